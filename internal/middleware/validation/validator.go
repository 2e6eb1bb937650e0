package validation

import (
	"regexp"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

var (
	sqlInjectionPattern = regexp.MustCompile(`(?i)(union\s+select|insert\s+into|drop\s+table|exec\s*\(|<script)`)
	xssPattern          = regexp.MustCompile(`(?i)(<script|<iframe|javascript:|onerror=|onload=|onclick=)`)
)

type Config struct {
	MaxQuestionLength   int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

// Middleware performs transport-level screening before handlers parse
// the body. Domain validation (categories, mime types, sizes) happens
// in the handlers against typed errors.
func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxQuestionLength == 0 {
		cfg.MaxQuestionLength = 5000
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{"application/json"}
	}

	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodPost || c.Method() == fiber.MethodPut || c.Method() == fiber.MethodPatch {
			contentType := c.Get(fiber.HeaderContentType)
			if contentType != "" && len(c.Body()) > 0 {
				allowed := false
				for _, allowedType := range cfg.AllowedContentTypes {
					if strings.Contains(contentType, allowedType) {
						allowed = true
						break
					}
				}
				if !allowed {
					return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
						"success": false,
						"error":   fiber.Map{"code": "InvalidArgument", "message": "unsupported content type"},
					})
				}
			}
		}

		if strings.HasSuffix(c.Path(), "/chat/query") && c.Method() == fiber.MethodPost {
			var req map[string]interface{}
			if err := c.BodyParser(&req); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"success": false,
					"error":   fiber.Map{"code": "InvalidArgument", "message": "invalid JSON body"},
				})
			}

			question, ok := req["question"].(string)
			if !ok || strings.TrimSpace(question) == "" {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"success": false,
					"error":   fiber.Map{"code": "InvalidArgument", "message": "question is required"},
				})
			}

			if len(question) > cfg.MaxQuestionLength {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"success": false,
					"error":   fiber.Map{"code": "InvalidArgument", "message": "question exceeds maximum length"},
				})
			}

			if sqlInjectionPattern.MatchString(question) || xssPattern.MatchString(question) {
				cfg.Logger.Warn("Suspicious query content",
					zap.String("ip", c.IP()),
					zap.String("path", c.Path()),
				)
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"success": false,
					"error":   fiber.Map{"code": "InvalidArgument", "message": "invalid question content"},
				})
			}
		}

		return c.Next()
	}
}

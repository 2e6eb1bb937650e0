// Package api wires HTTP transport: the response envelope, route
// registration, and the fiber error handler that maps error codes to
// statuses.
package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/raghub/backend/pkg/apperr"
	"github.com/raghub/backend/pkg/logger"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   *errorBody  `json:"error,omitempty"`
}

// OK writes a success envelope.
func OK(c *fiber.Ctx, data interface{}) error {
	return c.JSON(envelope{Success: true, Data: data})
}

// Created writes a success envelope with 201.
func Created(c *fiber.Ctx, data interface{}) error {
	return c.Status(fiber.StatusCreated).JSON(envelope{Success: true, Data: data})
}

// Fail writes an error envelope from any error. Typed errors keep
// their code and message; untyped ones surface as InternalError with
// the detail kept in logs only.
func Fail(c *fiber.Ctx, err error) error {
	code := apperr.CodeOf(err)
	message := "internal error"

	var ae *apperr.Error
	if errors.As(err, &ae) {
		message = ae.Message
	} else {
		logger.Error("Unhandled error",
			zap.String("path", c.Path()),
			zap.Error(err),
		)
	}

	return c.Status(apperr.HTTPStatus(code)).JSON(envelope{
		Success: false,
		Error:   &errorBody{Code: string(code), Message: message},
	})
}

// ErrorHandler is installed as the fiber app error handler so errors
// returned from handlers and middleware share one envelope shape.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(envelope{
			Success: false,
			Error:   &errorBody{Code: "InternalError", Message: fe.Message},
		})
	}
	return Fail(c, err)
}

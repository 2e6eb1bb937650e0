package models

import (
	"encoding/json"
	"time"
)

// TenantStatus is the lifecycle state of a tenant partition.
type TenantStatus string

const (
	TenantActive    TenantStatus = "active"
	TenantSuspended TenantStatus = "suspended"
	TenantDeleted   TenantStatus = "deleted"
)

// RetrievalMode selects the chunking and retrieval strategy.
type RetrievalMode string

const (
	ModeBasic      RetrievalMode = "basic"
	ModeAdvanced   RetrievalMode = "advanced"
	ModeCustomized RetrievalMode = "customized"
)

func (m RetrievalMode) Valid() bool {
	switch m {
	case ModeBasic, ModeAdvanced, ModeCustomized:
		return true
	}
	return false
}

// Tenant lives in the control-plane directory database, never inside a
// partition. PartitionPath is the locator of the tenant's SQLite file.
type Tenant struct {
	ID            string
	Name          string
	PartitionPath string
	Status        TenantStatus
	DefaultMode   RetrievalMode
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// User is scoped to a tenant partition. CategoryIDs is loaded from the
// join table on demand; the join table is the source of truth and the
// field is never persisted.
type User struct {
	ID           string
	Email        string
	Role         Role
	ModeOverride RetrievalMode // empty = tenant default
	CategoryIDs  []string
	CreatedAt    time.Time
}

type Category struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// DocumentState is the ingestion lifecycle state machine.
type DocumentState string

const (
	DocUploaded  DocumentState = "uploaded"
	DocIngesting DocumentState = "ingesting"
	DocReady     DocumentState = "ready"
	DocFailed    DocumentState = "failed"
	DocDeleted   DocumentState = "deleted"
)

// CanTransition reports whether the state machine permits from → to.
func (s DocumentState) CanTransition(to DocumentState) bool {
	switch s {
	case DocUploaded:
		return to == DocIngesting
	case DocIngesting:
		return to == DocReady || to == DocFailed
	case DocReady, DocFailed:
		return to == DocIngesting || to == DocDeleted
	}
	return false
}

type Document struct {
	ID             string
	CategoryID     string
	FileName       string
	Locator        string // blob store key
	ContentHash    string
	Size           int64
	Mime           string
	State          DocumentState
	CurrentVersion int
	Diagnostic     string // populated when State == failed
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ChunkMetadata is the known shape of per-chunk metadata. Unrecognized
// keys from older chunking versions survive round trips in Extra.
type ChunkMetadata struct {
	Page            int               `json:"page,omitempty"`
	Section         string            `json:"section,omitempty"`
	ChunkingVersion string            `json:"chunking_version,omitempty"`
	TotalChunks     int               `json:"total_chunks,omitempty"`
	Extra           map[string]string `json:"extra,omitempty"`
}

func (m ChunkMetadata) Marshal() string {
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func UnmarshalChunkMetadata(raw string) ChunkMetadata {
	var m ChunkMetadata
	if raw == "" {
		return m
	}
	_ = json.Unmarshal([]byte(raw), &m)
	return m
}

// Chunk carries its category denormalized from the owning document so
// scope filtering never needs a join at query time.
type Chunk struct {
	ID         string
	DocumentID string
	CategoryID string
	Version    int
	Ordinal    int
	Text       string
	TextHash   string
	Embedding  []float32
	Metadata   ChunkMetadata
	CreatedAt  time.Time
}

// Citation references the document a used chunk came from.
type Citation struct {
	DocumentID string `json:"document_id"`
	FileName   string `json:"file_name"`
	Locator    string `json:"locator"`
	Snippet    string `json:"snippet"`
}

// Interaction is a persisted chat exchange. Immutable once written.
type Interaction struct {
	ID         string
	UserID     string
	Question   string
	Answer     string
	Citations  []Citation
	LatencyMS  int
	TokensIn   int
	TokensOut  int
	Confidence float64
	CreatedAt  time.Time
}

type EventKind string

const (
	EventError             EventKind = "error"
	EventQuery             EventKind = "query"
	EventUpload            EventKind = "upload"
	EventEmbeddingCreation EventKind = "embedding_creation"
	EventAPICall           EventKind = "api_call"
)

// Event is an append-only audit record.
type Event struct {
	ID        string
	ActorID   string
	Kind      EventKind
	Detail    map[string]interface{}
	CreatedAt time.Time
}

// ChunkingProfile is the tenant-supplied configuration for customized
// mode: still window based, with client-configured sizes and metadata
// extraction rules.
type ChunkingProfile struct {
	WindowSize    int               `json:"window_size"`
	Overlap       int               `json:"overlap"`
	MetadataRules map[string]string `json:"metadata_rules,omitempty"` // label -> regexp
	SystemPrompt  string            `json:"system_prompt,omitempty"`
	Rerank        bool              `json:"rerank"`
}

package designsync

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// RemoteError is a structured error returned by the remote store.
type RemoteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	return e.Code + ": " + e.Message
}

// Record is the schemaless form an entity takes inside the in-memory state
// and the local cache. Typed accessors decode through JSON.
type Record = map[string]any

// Collection names, matching the remote store and the local cache tables.
const (
	CollectionProjects = "projects"
	CollectionRooms    = "rooms"
	CollectionObjects  = "objects"
	CollectionPalettes = "palettes"
)

// TempIDPrefix marks identities assigned locally while offline. They are
// replaced by remote-assigned identities when the queued insert is confirmed.
const TempIDPrefix = "temp_"

// ============================================================================
// Entities
// ============================================================================

// ProjectStatus is the lifecycle status of a Project.
type ProjectStatus string

const (
	StatusDraft     ProjectStatus = "draft"
	StatusActive    ProjectStatus = "active"
	StatusCompleted ProjectStatus = "completed"
	StatusArchived  ProjectStatus = "archived"
)

// Project is a top-level design project owned by a user.
type Project struct {
	ID           string        `json:"id"`
	UserID       string        `json:"user_id,omitempty"`
	Name         string        `json:"name"`
	Description  string        `json:"description,omitempty"`
	Status       ProjectStatus `json:"status,omitempty"`
	ThumbnailURL string        `json:"thumbnail_url,omitempty"`
	TotalBudget  *float64      `json:"total_budget,omitempty"`
	TotalArea    *float64      `json:"total_area,omitempty"`
	CO2Footprint *float64      `json:"co2_footprint,omitempty"`
	CreatedAt    string        `json:"created_at,omitempty"`
	UpdatedAt    string        `json:"updated_at,omitempty"`
}

// RoomType classifies a room.
type RoomType string

const (
	RoomLiving   RoomType = "living"
	RoomBedroom  RoomType = "bedroom"
	RoomKitchen  RoomType = "kitchen"
	RoomBathroom RoomType = "bathroom"
	RoomOffice   RoomType = "office"
	RoomOther    RoomType = "other"
)

// Room belongs to exactly one Project. CanvasData is an opaque serialized
// canvas-state blob: it is read and written whole, never merged field-wise.
// Object ids referenced inside the blob are owned by the editing surface;
// this package never resolves them.
type Room struct {
	ID         string          `json:"id"`
	ProjectID  string          `json:"project_id"`
	Name       string          `json:"name"`
	RoomType   RoomType        `json:"room_type,omitempty"`
	Width      *float64        `json:"width,omitempty"`
	Length     *float64        `json:"length,omitempty"`
	Height     *float64        `json:"height,omitempty"`
	Area       *float64        `json:"area,omitempty"`
	CanvasData json.RawMessage `json:"canvas_data,omitempty"`
	CreatedAt  string          `json:"created_at,omitempty"`
	UpdatedAt  string          `json:"updated_at,omitempty"`
}

// DesignObject is a placeable item inside a Room.
type DesignObject struct {
	ID           string         `json:"id"`
	RoomID       string         `json:"room_id"`
	Name         string         `json:"name"`
	ObjectType   string         `json:"object_type,omitempty"`
	PositionX    *float64       `json:"position_x,omitempty"`
	PositionY    *float64       `json:"position_y,omitempty"`
	Width        *float64       `json:"width,omitempty"`
	Height       *float64       `json:"height,omitempty"`
	Rotation     *float64       `json:"rotation,omitempty"`
	Color        string         `json:"color,omitempty"`
	MaterialID   string         `json:"material_id,omitempty"`
	VendorID     string         `json:"vendor_id,omitempty"`
	Price        *float64       `json:"price,omitempty"`
	CO2Footprint *float64       `json:"co2_footprint,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// PaletteColor is one entry in a palette's ordered color sequence.
type PaletteColor struct {
	Hex        string  `json:"hex"`
	Name       string  `json:"name,omitempty"`
	Percentage float64 `json:"percentage,omitempty"`
}

// Palette belongs to a user and is optionally scoped to a Project.
type Palette struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id,omitempty"`
	ProjectID      string         `json:"project_id,omitempty"`
	Name           string         `json:"name"`
	Colors         []PaletteColor `json:"colors,omitempty"`
	SourceImageURL string         `json:"source_image_url,omitempty"`
	IsPublic       bool           `json:"is_public,omitempty"`
}

// ============================================================================
// Mutation queue
// ============================================================================

// Op is the kind of a queued mutation.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// PendingMutation is one queued offline write, holding the full payload
// needed to replay it against the remote store. Seq is assigned by the
// local store and fixes replay order; EnqueuedAt is informational only.
type PendingMutation struct {
	Seq        int64           `json:"seq,omitempty"`
	Collection string          `json:"collection"`
	Op         Op              `json:"op"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at,omitempty"`
}

// DeadMutation is a queue entry the remote store permanently rejected,
// retained for operator inspection instead of wedging the drain.
type DeadMutation struct {
	PendingMutation
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}

// ============================================================================
// Realtime events
// ============================================================================

// EventType is the kind of a server-push change notification.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// ChangeEvent is the wire format for server-push change notifications on a
// project channel. New carries the pushed fields for insert/update; Old
// carries at least the identity for delete.
type ChangeEvent struct {
	ProjectID  string    `json:"project_id,omitempty"`
	Collection string    `json:"collection"`
	EventType  EventType `json:"eventType"`
	New        Record    `json:"new,omitempty"`
	Old        Record    `json:"old,omitempty"`
}

// recordID extracts the identity from a schemaless record.
func recordID(rec Record) string {
	if rec == nil {
		return ""
	}
	id, _ := rec["id"].(string)
	return id
}

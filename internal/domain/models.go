// Package domain defines the persistence models for threads, messages,
// dialog versions, attachments and derived summaries. These types are mapped
// with GORM and form the core data layer of the conversation store.
package domain

import (
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message lifecycle states. A message is only "committed" once it leaves
// the streaming state.
const (
	StatusStreaming = "streaming"
	StatusComplete  = "complete"
	StatusCanceled  = "canceled"
	StatusError     = "error"
)

// SystemOwnerID owns threads created by system bootstrap.
const SystemOwnerID = "system"

// Thread represents a conversation owned by a user (or by the system).
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - OwnerID: opaque identity of the owner; indexed for listing.
//   - Title: human-readable title (auto-generated from the first prompt
//     while it is still a placeholder).
//   - IsSystemThread: true for system-owned threads.
//   - Pinned: user-controlled flag used for ordering in listings.
//   - ActiveVersion: dialog version currently displayed.
//   - LastVersion: highest dialog version ever allocated; versions are never
//     reused, even after a truncation removed them.
type Thread struct {
	ID             string    `json:"id"               gorm:"type:char(36);primaryKey"`
	OwnerID        string    `json:"owner_id"         gorm:"type:varchar(64);not null;index:idx_owner_threads"`
	Title          string    `json:"title"            gorm:"type:varchar(255);not null;default:'New chat'"`
	IsSystemThread bool      `json:"is_system_thread" gorm:"not null;default:false"`
	Pinned         bool      `json:"pinned"           gorm:"not null;default:false"`
	ActiveVersion  int       `json:"active_version"   gorm:"not null;default:1"`
	LastVersion    int       `json:"last_version"     gorm:"not null;default:1"`
	// ParentThreadID names the thread this one was cloned from.
	ParentThreadID *string   `json:"parent_thread_id,omitempty" gorm:"type:char(36)"`
	CreatedAt      time.Time `json:"created_at"       gorm:"index:idx_owner_threads"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TableName returns the database table name for Thread.
func (Thread) TableName() string { return "threads" }

// Message is a single turn within a thread.
//
// Messages are stored once per conversational position and dialog version;
// the prefix shared between versions is never copied. Position is the
// zero-based index of the turn along the version's path.
type Message struct {
	ID            string    `json:"id"             gorm:"type:char(36);primaryKey"`
	ThreadID      string    `json:"thread_id"      gorm:"type:char(36);not null;index:idx_thread_version_time,priority:1;index:idx_thread_position,priority:1"`
	Role          string    `json:"role"           gorm:"type:varchar(16);not null;check:role IN ('user','assistant')"`
	Content       string    `json:"content"        gorm:"type:text;not null"`
	DialogVersion int       `json:"dialog_version" gorm:"not null;index:idx_thread_version_time,priority:2"`
	Position      int       `json:"position"       gorm:"not null;index:idx_thread_position,priority:2"`
	IsActive      bool      `json:"is_active"      gorm:"not null;default:false"`
	Model         *string   `json:"model,omitempty" gorm:"type:varchar(128)"`
	Status        string    `json:"status"         gorm:"type:varchar(16);not null;default:'complete'"`
	CreatedAt     time.Time `json:"created_at"     gorm:"index:idx_thread_version_time,priority:3"`
	UpdatedAt     time.Time `json:"updated_at"`

	// Thread is the parent conversation. Messages are cascade-deleted
	// if their thread is removed.
	Thread Thread `json:"-" gorm:"foreignKey:ThreadID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// DialogVersion records one branch of a thread. Its path is the parent's
// path restricted to positions below BranchPosition, followed by the
// messages stored under Version itself. The root version has
// ParentVersion 0 and BranchPosition 0.
type DialogVersion struct {
	ID              string    `json:"-"                 gorm:"type:char(36);primaryKey"`
	ThreadID        string    `json:"thread_id"         gorm:"type:char(36);not null;uniqueIndex:ux_thread_version,priority:1"`
	Version         int       `json:"version"           gorm:"not null;uniqueIndex:ux_thread_version,priority:2"`
	ParentVersion   int       `json:"parent_version"    gorm:"not null;default:0"`
	BranchPosition  int       `json:"branch_position"   gorm:"not null;default:0"`
	AnchorMessageID *string   `json:"anchor_message_id,omitempty" gorm:"type:char(36)"`
	Model           *string   `json:"model,omitempty"   gorm:"type:varchar(128)"`
	CreatedAt       time.Time `json:"created_at"`

	Thread Thread `json:"-" gorm:"foreignKey:ThreadID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for DialogVersion.
func (DialogVersion) TableName() string { return "dialog_versions" }

// Attachment is an uploaded file bound to a thread and, once known, to a
// message. An attachment with a nil MessageID is an orphan pending
// association.
type Attachment struct {
	ID         string    `json:"id"                    gorm:"type:char(36);primaryKey"`
	ThreadID   string    `json:"thread_id"             gorm:"type:char(36);not null;index"`
	MessageID  *string   `json:"message_id,omitempty"  gorm:"type:char(36);index"`
	StorageRef string    `json:"storage_ref"           gorm:"type:varchar(64);not null"`
	PreviewRef *string   `json:"preview_ref,omitempty" gorm:"type:varchar(64)"`
	Name       string    `json:"name"                  gorm:"type:varchar(255);not null"`
	MimeType   string    `json:"mime_type"             gorm:"type:varchar(128);not null"`
	Width      *int      `json:"width,omitempty"`
	Height     *int      `json:"height,omitempty"`
	Size       int64     `json:"size"                  gorm:"not null"`
	CreatedAt  time.Time `json:"created_at"            gorm:"index"`

	// Resolved locations; populated on the read path, never persisted.
	URL        string `json:"url,omitempty"         gorm:"-"`
	PreviewURL string `json:"preview_url,omitempty" gorm:"-"`

	Thread Thread `json:"-" gorm:"foreignKey:ThreadID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Attachment.
func (Attachment) TableName() string { return "attachments" }

// MessageSummary is a derived, per-message summary. Summaries are removed
// together with the message they describe.
type MessageSummary struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	ThreadID  string    `json:"thread_id"  gorm:"type:char(36);not null;index"`
	MessageID string    `json:"message_id" gorm:"type:char(36);not null;uniqueIndex"`
	Content   string    `json:"content"    gorm:"type:text;not null"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the database table name for MessageSummary.
func (MessageSummary) TableName() string { return "message_summaries" }

// StoredObject is a binary blob kept by the database-backed object store.
type StoredObject struct {
	Ref         string    `gorm:"type:varchar(64);primaryKey"`
	ContentType string    `gorm:"type:varchar(128);not null"`
	Size        int64     `gorm:"not null"`
	Data        []byte    `gorm:"type:blob;not null"`
	CreatedAt   time.Time `gorm:"index"`
}

// TableName returns the database table name for StoredObject.
func (StoredObject) TableName() string { return "objects" }

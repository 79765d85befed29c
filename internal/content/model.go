package content

import "time"

// Kind discriminates the record shapes stored in the records table.
type Kind string

const (
	// KindDocument marks a version-controlled document.
	KindDocument Kind = "document"
	// KindRevision marks an immutable, sequence-numbered document snapshot.
	KindRevision Kind = "revision"
	// KindAttachment marks a file reference owned by a revision.
	KindAttachment Kind = "attachment"
)

// Status mirrors the visibility column of a record.
type Status string

const (
	StatusDraft   Status = "draft"
	StatusPrivate Status = "private"
	StatusPublish Status = "publish"
	StatusTrash   Status = "trash"
	// StatusInherit is used by attachments, which take visibility from their document.
	StatusInherit Status = "inherit"
)

// Record is the generic content row shared by documents, revisions and attachments.
type Record struct {
	ID             string    `gorm:"column:id;primaryKey;size:64;not null"`
	Kind           Kind      `gorm:"column:kind;size:32;not null;index:idx_records_kind_status,priority:1;uniqueIndex:idx_records_parent_kind_position,priority:2"`
	Name           string    `gorm:"column:name;size:190;not null;default:'';index"`
	Title          string    `gorm:"column:title;size:512;not null;default:''"`
	Status         Status    `gorm:"column:status;size:20;not null;index:idx_records_kind_status,priority:2"`
	OwnerID        string    `gorm:"column:owner_id;size:190;not null;default:'';index"`
	ParentID       string    `gorm:"column:parent_id;size:64;not null;default:'';index;uniqueIndex:idx_records_parent_kind_position,priority:1"`
	ContentPointer string    `gorm:"column:content_pointer;size:190;not null;default:''"`
	MimeType       string    `gorm:"column:mime_type;size:190;not null;default:''"`
	Position       *int64    `gorm:"column:position;uniqueIndex:idx_records_parent_kind_position,priority:3"`
	Excerpt        string    `gorm:"column:excerpt;type:text;not null;default:''"`
	CreatedAt      time.Time `gorm:"column:created_at;not null"`
	ModifiedAt     time.Time `gorm:"column:modified_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "records"
}

// Meta stores one key/value pair scoped to a record.
type Meta struct {
	RecordID string `gorm:"column:record_id;primaryKey;size:64;not null"`
	Key      string `gorm:"column:meta_key;primaryKey;size:190;not null;index:idx_record_meta_key_value,priority:1"`
	Value    string `gorm:"column:meta_value;size:512;not null;default:'';index:idx_record_meta_key_value,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Meta) TableName() string {
	return "record_meta"
}

// PositionOf returns a pointer suitable for Record.Position.
func PositionOf(value int64) *int64 {
	v := value
	return &v
}

// Query filters Find results. Zero values are ignored.
type Query struct {
	Kind     Kind
	Statuses []Status
	ParentID *string
	ParentIn []string
	OwnerID  string
	Name     string
	Meta     map[string]string
	Order    string
	Limit    int
	Offset   int
}

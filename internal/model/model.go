package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// System-owned profile field names. Callers can never set these.
const (
	FieldID        = "_id"
	FieldHandle    = "handle"
	FieldUsername  = "username"
	FieldUpdatedAt = "updatedAt"
)

var systemFields = map[string]struct{}{
	FieldID:        {},
	FieldHandle:    {},
	FieldUsername:  {},
	FieldUpdatedAt: {},
}

// IsSystemField reports whether name is owned by the service.
func IsSystemField(name string) bool {
	_, ok := systemFields[name]
	return ok
}

var handlePattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]{2,30}$`)

// Handles that collide with routes or well-known files.
var reservedHandles = map[string]struct{}{
	"api":               {},
	"auth":              {},
	"favicon.ico":       {},
	"favicon.png":       {},
	"robots.txt":        {},
	"sitemap.xml":       {},
	"customize":         {},
	"404":               {},
	"index.html":        {},
	"profile.html":      {},
	"server.js":         {},
	"package.json":      {},
	"package-lock.json": {},
	"node_modules":      {},
	".env":              {},
	"media":             {},
	"health":            {},
	"ready":             {},
	"metrics":           {},
}

// NormalizeHandle returns the canonical (stored) form of a handle.
func NormalizeHandle(handle string) string {
	return strings.ToLower(handle)
}

// IsReservedHandle reports whether the handle is reserved, ignoring case.
func IsReservedHandle(handle string) bool {
	_, ok := reservedHandles[NormalizeHandle(handle)]
	return ok
}

// ValidHandleFormat reports whether the raw handle has an acceptable shape.
// Reserved names are not checked.
func ValidHandleFormat(handle string) bool {
	return handlePattern.MatchString(handle)
}

// CheckHandle validates the raw (not yet normalized) handle.
func CheckHandle(handle string) error {
	if !ValidHandleFormat(handle) {
		return fmt.Errorf("handle must be 2-30 characters of letters, digits, '_', '.' or '-'")
	}
	if IsReservedHandle(handle) {
		return fmt.Errorf("handle %q is reserved", NormalizeHandle(handle))
	}
	return nil
}

// Profile is a stored profile: caller-defined fields plus the system-owned ones.
type Profile struct {
	ID        string
	Handle    string
	UpdatedAt int64
	Fields    map[string]any
}

// Document returns the flat representation served to clients.
func (p *Profile) Document() map[string]any {
	doc := make(map[string]any, len(p.Fields)+4)
	for k, v := range p.Fields {
		if IsSystemField(k) {
			continue
		}
		doc[k] = v
	}
	if p.ID != "" {
		doc[FieldID] = p.ID
	}
	doc[FieldHandle] = p.Handle
	doc[FieldUsername] = p.Handle
	doc[FieldUpdatedAt] = p.UpdatedAt
	return doc
}

func (p Profile) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Document())
}

func (p *Profile) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return err
	}
	if doc == nil {
		return fmt.Errorf("profile document must be an object")
	}
	*p = Profile{Fields: make(map[string]any, len(doc))}
	for k, v := range doc {
		switch k {
		case FieldID:
			p.ID, _ = v.(string)
		case FieldHandle:
			p.Handle, _ = v.(string)
		case FieldUsername:
		case FieldUpdatedAt:
			if n, ok := v.(json.Number); ok {
				p.UpdatedAt, _ = n.Int64()
			}
		default:
			p.Fields[k] = v
		}
	}
	return nil
}

// CounterField names one of the per-handle counters.
type CounterField string

const (
	CounterViews  CounterField = "views"
	CounterClicks CounterField = "clicks"
)

// Other returns the sibling counter field.
func (f CounterField) Other() CounterField {
	if f == CounterViews {
		return CounterClicks
	}
	return CounterViews
}

// Counter holds the view/click tallies of a handle.
type Counter struct {
	Handle string `json:"-"`
	Views  int64  `json:"views"`
	Clicks int64  `json:"clicks"`
}

// Value returns the tally for field.
func (c Counter) Value(field CounterField) int64 {
	if field == CounterClicks {
		return c.Clicks
	}
	return c.Views
}

// Purpose is the declared intent of an upload.
type Purpose string

const (
	PurposeAvatar     Purpose = "avatar"
	PurposeBackground Purpose = "background"
	PurposeAudio      Purpose = "audio"
)

// ParsePurpose maps an upload route segment to a Purpose. "music" is the
// only route name of the audio purpose.
func ParsePurpose(segment string) (Purpose, bool) {
	switch strings.ToLower(segment) {
	case "avatar":
		return PurposeAvatar, true
	case "background":
		return PurposeBackground, true
	case "music":
		return PurposeAudio, true
	default:
		return "", false
	}
}

// UploadResult is returned to the client after a successful upload.
type UploadResult struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
}

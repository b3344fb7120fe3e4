package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Task kinds accepted by the orchestrator
const (
	TaskSpeechToText = "speech-to-text"
	TaskTextToSpeech = "text-to-speech"
)

// Well-known attribute keys
const (
	AttrInput    = "input"
	AttrText     = "text"
	AttrModel    = "model"
	AttrLanguage = "language"
	AttrVoice    = "voice"
	AttrFormat   = "format"
	AttrStart    = "start"
	AttrEnd      = "end"
)

var (
	ErrUnknownTask      = errors.New("unknown task")
	ErrMissingField     = errors.New("mandatory field missing")
	ErrUnsupportedMedia = errors.New("unsupported media type")
)

// SupportedMediaExtensions lists the input extensions accepted for speech-to-text
var SupportedMediaExtensions = map[string]bool{
	".wav":  true,
	".wave": true,
}

// mandatoryFields per task kind
var mandatoryFields = map[string][]string{
	TaskSpeechToText: {AttrInput},
	TaskTextToSpeech: {AttrText},
}

// TaskUnit is the smallest dispatchable piece of work sent to the worker pool.
// Units without a ParentID are their own correlation root.
type TaskUnit struct {
	ID          string            `json:"id"`
	ParentID    string            `json:"parent_id,omitempty"`
	Order       int               `json:"order,omitempty"`
	IsLast      bool              `json:"is_last,omitempty"`
	IsStream    bool              `json:"is_stream,omitempty"`
	Task        string            `json:"task"`
	RequesterID string            `json:"requester_id,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// NewID generates a fresh unit identifier
func NewID() string {
	return uuid.NewString()
}

// NewTaskUnit creates a root unit for the given task kind
func NewTaskUnit(task string, attrs map[string]string) *TaskUnit {
	if attrs == nil {
		attrs = make(map[string]string)
	}
	return &TaskUnit{
		ID:         NewID(),
		Task:       task,
		Attributes: attrs,
		CreatedAt:  time.Now().UTC(),
	}
}

// Root returns the correlation root id of the unit
func (u *TaskUnit) Root() string {
	if u.ParentID != "" {
		return u.ParentID
	}
	return u.ID
}

// HasParent reports whether the unit is a child of a split request
func (u *TaskUnit) HasParent() bool {
	return u.ParentID != ""
}

// HasOrder reports whether the unit carries an explicit sibling position
func (u *TaskUnit) HasOrder() bool {
	return u.Order > 0
}

// Attr returns an attribute value or "" when absent
func (u *TaskUnit) Attr(key string) string {
	if u.Attributes == nil {
		return ""
	}
	return u.Attributes[key]
}

// FloatAttr parses a numeric attribute
func (u *TaskUnit) FloatAttr(key string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(u.Attr(key)), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// SetAttr sets an attribute, allocating the map on first use
func (u *TaskUnit) SetAttr(key, value string) {
	if u.Attributes == nil {
		u.Attributes = make(map[string]string)
	}
	u.Attributes[key] = value
}

// Clone returns a deep copy of the unit
func (u *TaskUnit) Clone() *TaskUnit {
	c := *u
	c.Attributes = maps.Clone(u.Attributes)
	if c.Attributes == nil {
		c.Attributes = make(map[string]string)
	}
	return &c
}

// NewChild creates a sibling unit of u at the given 1-based order.
// The child copies u's attributes and gets a fresh id.
func (u *TaskUnit) NewChild(order int, overrides map[string]string) *TaskUnit {
	child := u.Clone()
	child.ID = NewID()
	child.ParentID = u.ID
	child.Order = order
	child.IsLast = false
	for k, v := range overrides {
		child.Attributes[k] = v
	}
	return child
}

// Validate checks the task kind and its mandatory fields
func (u *TaskUnit) Validate() error {
	fields, ok := mandatoryFields[u.Task]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTask, u.Task)
	}

	for _, field := range fields {
		if strings.TrimSpace(u.Attr(field)) == "" {
			return fmt.Errorf("%w: '%s'", ErrMissingField, field)
		}
	}

	if u.Task == TaskSpeechToText {
		ext := strings.ToLower(filepath.Ext(u.Attr(AttrInput)))
		if !SupportedMediaExtensions[ext] {
			return fmt.Errorf("%w: %q", ErrUnsupportedMedia, ext)
		}
	}

	return nil
}

// Marshal serializes the unit for the distribution queue
func (u *TaskUnit) Marshal() ([]byte, error) {
	data, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task unit %s: %w", u.ID, err)
	}
	return data, nil
}

// UnmarshalTaskUnit parses a unit read from a queue
func UnmarshalTaskUnit(data []byte) (*TaskUnit, error) {
	var u TaskUnit
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("failed to parse task unit: %w", err)
	}
	if u.ID == "" {
		return nil, fmt.Errorf("failed to parse task unit: missing id")
	}
	return &u, nil
}

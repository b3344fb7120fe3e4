package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskUnitRoot(t *testing.T) {
	root := NewTaskUnit(TaskSpeechToText, map[string]string{AttrInput: "a.wav"})
	assert.Equal(t, root.ID, root.Root())
	assert.False(t, root.HasParent())

	child := root.NewChild(2, map[string]string{AttrStart: "25"})
	assert.Equal(t, root.ID, child.Root())
	assert.NotEqual(t, root.ID, child.ID)
	assert.Equal(t, 2, child.Order)
	assert.Equal(t, "25", child.Attr(AttrStart))
	assert.Equal(t, "a.wav", child.Attr(AttrInput))

	// child attributes must not alias the parent's
	child.SetAttr(AttrInput, "seg.wav")
	assert.Equal(t, "a.wav", root.Attr(AttrInput))
}

func TestTaskUnitValidate(t *testing.T) {
	tests := []struct {
		name    string
		unit    *TaskUnit
		wantErr error
	}{
		{
			name: "valid speech-to-text",
			unit: NewTaskUnit(TaskSpeechToText, map[string]string{AttrInput: "/shared/temp/x.WAV"}),
		},
		{
			name: "valid text-to-speech",
			unit: NewTaskUnit(TaskTextToSpeech, map[string]string{AttrText: "hello"}),
		},
		{
			name:    "unknown task",
			unit:    NewTaskUnit("image-to-text", nil),
			wantErr: ErrUnknownTask,
		},
		{
			name:    "missing input",
			unit:    NewTaskUnit(TaskSpeechToText, nil),
			wantErr: ErrMissingField,
		},
		{
			name:    "blank text",
			unit:    NewTaskUnit(TaskTextToSpeech, map[string]string{AttrText: "  "}),
			wantErr: ErrMissingField,
		},
		{
			name:    "unsupported media",
			unit:    NewTaskUnit(TaskSpeechToText, map[string]string{AttrInput: "song.mp3"}),
			wantErr: ErrUnsupportedMedia,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.unit.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestTaskUnitMarshalRoundTrip(t *testing.T) {
	u := NewTaskUnit(TaskSpeechToText, map[string]string{AttrInput: "a.wav"})
	u.IsStream = true
	child := u.NewChild(3, nil)
	child.IsLast = true

	data, err := child.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalTaskUnit(data)
	require.NoError(t, err)
	assert.Equal(t, child.ID, got.ID)
	assert.Equal(t, u.ID, got.ParentID)
	assert.Equal(t, 3, got.Order)
	assert.True(t, got.IsLast)
	assert.True(t, got.IsStream)

	_, err = UnmarshalTaskUnit([]byte(`{"task":"speech-to-text"}`))
	assert.Error(t, err)
}

func TestFloatAttr(t *testing.T) {
	u := NewTaskUnit(TaskSpeechToText, map[string]string{AttrStart: "12.5", AttrEnd: "oops"})

	v, ok := u.FloatAttr(AttrStart)
	require.True(t, ok)
	assert.InDelta(t, 12.5, v, 1e-9)

	_, ok = u.FloatAttr(AttrEnd)
	assert.False(t, ok)
	_, ok = u.FloatAttr("missing")
	assert.False(t, ok)
}

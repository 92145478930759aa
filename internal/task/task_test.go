package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_FilenameWithSeparatorRejected(t *testing.T) {
	tsk := NewTask(1000)
	tsk.Filename = "sub/dir.bin"

	err := tsk.Validate()
	require.Error(t, err)
}

func TestValidate_AllowPauseRequiresGET(t *testing.T) {
	tsk := NewTask(1000)
	tsk.AllowPause = true
	tsk.HTTPMethod = "POST"

	err := tsk.Validate()
	require.Error(t, err)

	tsk.HTTPMethod = "GET"
	require.NoError(t, tsk.Validate())
}

func TestValidate_RetriesRange(t *testing.T) {
	tsk := NewTask(1000)
	tsk.Retries = 11

	require.Error(t, tsk.Validate())

	tsk.Retries = 10
	require.NoError(t, tsk.Validate())
}

func TestValidate_DirectoryMustNotBeAbsolute(t *testing.T) {
	tsk := NewTask(1000)
	tsk.Directory = "/etc"

	require.Error(t, tsk.Validate())
}

func TestEqual_ByTaskIDOnly(t *testing.T) {
	a := NewTask(1000)
	b := a
	b.URL = "https://example.com/other"

	assert.True(t, a.Equal(b))

	c := NewTask(1000)
	assert.False(t, a.Equal(c))
}

func TestWithDefaults_SeedsRetriesRemaining(t *testing.T) {
	tsk := Task{HTTPMethod: "GET", Retries: 3}.WithDefaults(1000)
	assert.Equal(t, 3, tsk.RetriesRemaining)
	assert.NotEmpty(t, tsk.TaskID)
	assert.Equal(t, "default", tsk.Group)
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	tsk := NewTask(1000)
	tsk.Kind = KindDownload
	tsk.URL = "https://example.com/5MB.bin"
	tsk.Filename = "a.bin"
	tsk.Headers = map[string]string{"X-Test": "1"}

	data, err := Encode(tsk)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, tsk, got)
}

func TestDecode_RejectsUnknownTaskType(t *testing.T) {
	_, err := Decode([]byte(`{"taskId":"x","taskType":"bogus"}`))
	require.Error(t, err)
}

func TestDecode_IgnoresUnknownFields(t *testing.T) {
	data := []byte(`{"taskId":"x","taskType":"download","somethingNew":true}`)
	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "x", got.TaskID)
}

type fakeResolver struct {
	base string
}

func (f fakeResolver) BasePath(b BaseDirectory) (string, error) {
	return f.base + "/" + string(b), nil
}

func TestResolvedPath(t *testing.T) {
	tsk := NewTask(1000)
	tsk.BaseDirectory = BaseApplicationDocuments
	tsk.Directory = "photos"
	tsk.Filename = "a.jpg"

	p, err := tsk.ResolvedPath(fakeResolver{base: "/data"})
	require.NoError(t, err)
	assert.Equal(t, "/data/applicationDocuments/photos/a.jpg", p)
}

func TestResolvedPath_RootHasNoPrefix(t *testing.T) {
	tsk := NewTask(1000)
	tsk.BaseDirectory = BaseRoot
	tsk.Directory = "tmp"
	tsk.Filename = "a.jpg"

	p, err := tsk.ResolvedPath(fakeResolver{base: "/data"})
	require.NoError(t, err)
	assert.Equal(t, "tmp/a.jpg", p)
}

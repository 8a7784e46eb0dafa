package reports

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/linkflow-go/internal/overlord/task"
	"github.com/linkflow-go/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLookup struct {
	state    task.State
	location *task.Location
	found    bool
}

func (f fakeLookup) Lookup(taskID string) (task.State, *task.Location, bool) {
	return f.state, f.location, f.found
}

func TestStreamTaskReportsReturnsNilForUnknownTask(t *testing.T) {
	p := New(nil, fakeLookup{found: false}, logger.NewNop(), Config{})
	stream, err := p.StreamTaskReports(context.Background(), "missing")
	assert.NoError(t, err)
	assert.Nil(t, stream)
}

func TestStreamTaskReportsReturnsNilWhenNotRunning(t *testing.T) {
	p := New(nil, fakeLookup{state: task.Pending, found: true}, logger.NewNop(), Config{})
	stream, err := p.StreamTaskReports(context.Background(), "t1")
	assert.NoError(t, err)
	assert.Nil(t, stream)
}

func TestStreamTaskReportsOpensLiveStream(t *testing.T) {
	var capturedPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedPath = r.URL.EscapedPath()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"rows":[]}`))
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	lookup := fakeLookup{
		state:    task.Running,
		found:    true,
		location: &task.Location{Host: u.Hostname(), Port: port},
	}
	p := New(srv.Client(), lookup, logger.NewNop(), Config{})

	stream, err := p.StreamTaskReports(context.Background(), "task with spaces")
	require.NoError(t, err)
	require.NotNil(t, stream)
	defer stream.Close()

	body, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, `{"rows":[]}`, string(body))
	assert.Equal(t, "/worker/v1/chat/task%20with%20spaces/liveReports", capturedPath)
}

func TestStreamTaskReportsPropagatesNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())

	lookup := fakeLookup{state: task.Running, found: true, location: &task.Location{Host: u.Hostname(), Port: port}}
	p := New(srv.Client(), lookup, logger.NewNop(), Config{})

	stream, err := p.StreamTaskReports(context.Background(), "t1")
	assert.Error(t, err)
	assert.Nil(t, stream)
}

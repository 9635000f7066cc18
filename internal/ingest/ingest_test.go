package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urban-vision/annoqc/internal/httputil"
	"github.com/urban-vision/annoqc/internal/store"
)

type fakeClient struct {
	tasks       map[int64]*store.ClipTask
	annotations map[int64][]*store.RawAnnotation
	fetchErr    error

	taskCalls int
	annCalls  int
}

func (f *fakeClient) FetchTask(ctx context.Context, taskID int64) (*store.ClipTask, error) {
	f.taskCalls++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	task, ok := f.tasks[taskID]
	if !ok {
		return nil, errors.New("no such task")
	}
	copied := *task
	return &copied, nil
}

func (f *fakeClient) FetchAnnotations(ctx context.Context, taskID int64) ([]*store.RawAnnotation, error) {
	f.annCalls++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.annotations[taskID], nil
}

func newHandler(t *testing.T, client ToolClient) (*Handler, *store.DB) {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.MigrateUp())

	h := NewHandler(client,
		store.NewTaskStore(db),
		store.NewAnnotationStore(db),
		store.NewCanonicalStore(db))
	return h, db
}

func TestHandleEventCompletedTask(t *testing.T) {
	client := &fakeClient{
		tasks: map[int64]*store.ClipTask{
			7: {TaskID: 7, ProjectID: 1, Name: "alice_clip_a", Annotator: "alice",
				Status: store.TaskCompleted, GroupKey: "clip_a"},
		},
		annotations: map[int64][]*store.RawAnnotation{
			7: {
				{TaskID: 7, TrackID: 0, Frame: 0, XTL: 1, YTL: 2, XBR: 3, YBR: 4,
					Attributes: map[string]string{"phone_usage": "texting"}},
			},
		},
	}
	h, db := newHandler(t, client)
	ctx := context.Background()

	processed, err := h.HandleEvent(ctx, Event{TaskID: 7, ProjectID: 1, Status: store.TaskCompleted})
	require.NoError(t, err)
	assert.True(t, processed)

	task, err := store.NewTaskStore(db).Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, task.Status)

	n, err := store.NewAnnotationStore(db).CountByTask(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHandleEventDeduplicatesRedelivery(t *testing.T) {
	client := &fakeClient{
		tasks: map[int64]*store.ClipTask{
			7: {TaskID: 7, ProjectID: 1, Name: "alice_clip_a", Annotator: "alice",
				Status: store.TaskCompleted, GroupKey: "clip_a"},
		},
	}
	h, _ := newHandler(t, client)
	ctx := context.Background()
	ev := Event{TaskID: 7, ProjectID: 1, Status: store.TaskCompleted}

	processed, err := h.HandleEvent(ctx, ev)
	require.NoError(t, err)
	require.True(t, processed)

	processed, err = h.HandleEvent(ctx, ev)
	require.NoError(t, err)
	assert.False(t, processed, "redelivery must be acknowledged without reprocessing")
	assert.Equal(t, 1, client.taskCalls)
}

func TestHandleEventDistinctStatusesProcessSeparately(t *testing.T) {
	client := &fakeClient{
		tasks: map[int64]*store.ClipTask{
			7: {TaskID: 7, ProjectID: 1, Name: "alice_clip_a", Annotator: "alice",
				Status: store.TaskInProgress, GroupKey: "clip_a"},
		},
	}
	h, _ := newHandler(t, client)
	ctx := context.Background()

	processed, err := h.HandleEvent(ctx, Event{TaskID: 7, Status: store.TaskInProgress})
	require.NoError(t, err)
	require.True(t, processed)
	// A non-completed status never pulls the export.
	assert.Equal(t, 0, client.annCalls)

	client.tasks[7].Status = store.TaskCompleted
	processed, err = h.HandleEvent(ctx, Event{TaskID: 7, Status: store.TaskCompleted})
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, 1, client.annCalls)
}

func TestHandleEventRetriesAfterFailedDelivery(t *testing.T) {
	client := &fakeClient{fetchErr: errors.New("tool unavailable")}
	h, db := newHandler(t, client)
	ctx := context.Background()
	ev := Event{TaskID: 7, ProjectID: 1, Status: store.TaskCompleted}

	// The first delivery fails mid-flight and must not leave a marker
	// behind: completed is a terminal status, so a swallowed event would
	// never be repaired by a later transition.
	processed, err := h.HandleEvent(ctx, ev)
	require.Error(t, err)
	assert.False(t, processed)

	// The tool recovers and redelivers; this time the event goes through.
	client.fetchErr = nil
	client.tasks = map[int64]*store.ClipTask{
		7: {TaskID: 7, ProjectID: 1, Name: "alice_clip_a", Annotator: "alice",
			Status: store.TaskCompleted, GroupKey: "clip_a"},
	}
	client.annotations = map[int64][]*store.RawAnnotation{
		7: {{TaskID: 7, TrackID: 0, Frame: 0, XTL: 1, YTL: 2, XBR: 3, YBR: 4}},
	}
	processed, err = h.HandleEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, processed)

	task, err := store.NewTaskStore(db).Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, task.Status)
	n, err := store.NewAnnotationStore(db).CountByTask(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// A further redelivery is now a duplicate.
	processed, err = h.HandleEvent(ctx, ev)
	require.NoError(t, err)
	assert.False(t, processed)
	assert.Equal(t, 2, client.taskCalls)
}

func TestSyncTaskRepairsOutOfBandChanges(t *testing.T) {
	client := &fakeClient{
		tasks: map[int64]*store.ClipTask{
			7: {TaskID: 7, ProjectID: 1, Name: "alice_clip_a", Annotator: "alice",
				Status: store.TaskCompleted, GroupKey: "clip_a"},
		},
		annotations: map[int64][]*store.RawAnnotation{
			7: {{TaskID: 7, TrackID: 0, Frame: 0, XTL: 1, YTL: 2, XBR: 3, YBR: 4}},
		},
	}
	h, db := newHandler(t, client)
	ctx := context.Background()

	_, err := h.HandleEvent(ctx, Event{TaskID: 7, Status: store.TaskCompleted})
	require.NoError(t, err)

	// Annotations were corrected in the tool without a new event; a
	// manual sync bypasses deduplication and converges on the new state.
	client.annotations[7] = []*store.RawAnnotation{
		{TaskID: 7, TrackID: 0, Frame: 0, XTL: 5, YTL: 6, XBR: 7, YBR: 8},
		{TaskID: 7, TrackID: 0, Frame: 1, XTL: 5, YTL: 6, XBR: 7, YBR: 8},
	}
	require.NoError(t, h.SyncTask(ctx, 7, true))

	n, err := store.NewAnnotationStore(db).CountByTask(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestClientFetchTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Token secret", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/api/tasks/7":
			w.Write([]byte(`{"id":7,"project_id":1,"name":"alice_clip_a","assignee":"","status":"completed"}`))
		case "/api/tasks/7/annotations":
			w.Write([]byte(`{"tracks":[{"track_id":3,"shapes":[
				{"frame":0,"xtl":1,"ytl":2,"xbr":3,"ybr":4,"outside":false,"attributes":{"phone_usage":"texting"}},
				{"frame":1,"xtl":1,"ytl":2,"xbr":3,"ybr":4,"outside":true}
			]}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "secret")
	ctx := context.Background()

	task, err := client.FetchTask(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "clip_a", task.GroupKey)
	assert.Equal(t, "alice", task.Annotator, "assignee fallback comes from the name prefix")

	anns, err := client.FetchAnnotations(ctx, 7)
	require.NoError(t, err)
	require.Len(t, anns, 2)
	assert.Equal(t, int64(3), anns[0].TrackID)
	assert.Equal(t, "texting", anns[0].Attributes["phone_usage"])
	assert.True(t, anns[1].Outside)
}

func TestClientWithMockHTTP(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(http.StatusOK,
		`{"id":7,"project_id":1,"name":"bob_clip_b","assignee":"bob","status":"completed"}`)

	client := NewClientWithHTTP("http://tool.example", "secret", mock)
	task, err := client.FetchTask(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "clip_b", task.GroupKey)

	req := mock.GetRequest(0)
	require.NotNil(t, req)
	assert.Equal(t, "Token secret", req.Header.Get("Authorization"))
	assert.Equal(t, "http://tool.example/api/tasks/7", req.URL.String())
}

func TestClientFetchTaskErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "").FetchTask(context.Background(), 7)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

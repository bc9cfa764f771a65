package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Shahir-47/grab-pic/internal/extract"
	"github.com/Shahir-47/grab-pic/internal/models"
)

type fakeStore struct {
	photos    map[uuid.UUID]*models.Photo
	getErr    error
	commitErr error

	marked    []uuid.UUID
	committed map[uuid.UUID][]models.PhotoEmbedding
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		photos:    make(map[uuid.UUID]*models.Photo),
		committed: make(map[uuid.UUID][]models.PhotoEmbedding),
	}
}

func (s *fakeStore) GetPhoto(ctx context.Context, id uuid.UUID) (*models.Photo, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.photos[id], nil
}

func (s *fakeStore) MarkProcessed(ctx context.Context, photoID uuid.UUID) error {
	s.marked = append(s.marked, photoID)
	return nil
}

func (s *fakeStore) CommitPhotoEmbeddings(ctx context.Context, photoID uuid.UUID, embeddings []models.PhotoEmbedding) error {
	if s.commitErr != nil {
		return s.commitErr
	}
	s.committed[photoID] = embeddings
	return nil
}

type fakeFetcher struct {
	content []byte
	err     error
	calls   int
}

func (f *fakeFetcher) FetchToFile(ctx context.Context, key, destPath string) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(destPath, f.content, 0o600)
}

type fakeEmbedder struct {
	faces []extract.Face
	err   error
}

func (f *fakeEmbedder) Extract(ctx context.Context, imagePath string, enforceDetection bool) ([]extract.Face, error) {
	return f.faces, f.err
}

type fakeNotifier struct {
	events []models.ProcessedEvent
}

func (n *fakeNotifier) PublishProcessed(ctx context.Context, event interface{}) error {
	n.events = append(n.events, event.(models.ProcessedEvent))
	return nil
}

type panickingEmbedder struct{}

func (panickingEmbedder) Extract(ctx context.Context, imagePath string, enforceDetection bool) ([]extract.Face, error) {
	panic("index out of range in tensor copy")
}

// fakeMsg records the ack decision taken on a queue message.
type fakeMsg struct {
	data   []byte
	acked  bool
	naked  bool
	termed bool
}

func (m *fakeMsg) Metadata() (*jetstream.MsgMetadata, error) { return &jetstream.MsgMetadata{}, nil }
func (m *fakeMsg) Data() []byte                              { return m.data }
func (m *fakeMsg) Headers() nats.Header                      { return nil }
func (m *fakeMsg) Subject() string                           { return "photos.ingest" }
func (m *fakeMsg) Reply() string                             { return "" }
func (m *fakeMsg) Ack() error                                { m.acked = true; return nil }
func (m *fakeMsg) DoubleAck(ctx context.Context) error       { m.acked = true; return nil }
func (m *fakeMsg) Nak() error                                { m.naked = true; return nil }
func (m *fakeMsg) NakWithDelay(d time.Duration) error        { m.naked = true; return nil }
func (m *fakeMsg) InProgress() error                         { return nil }
func (m *fakeMsg) Term() error                               { m.termed = true; return nil }
func (m *fakeMsg) TermWithReason(reason string) error        { m.termed = true; return nil }

// pngHeader builds a PNG signature plus IHDR chunk declaring the given
// dimensions, enough for header-only decoding.
func pngHeader(t *testing.T, width, height uint32) []byte {
	t.Helper()

	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:4], width)
	binary.BigEndian.PutUint32(ihdr[4:8], height)
	ihdr[8] = 8
	ihdr[9] = 2

	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(ihdr)))
	buf.WriteString("IHDR")
	buf.Write(ihdr)

	crc := crc32.NewIEEE()
	crc.Write([]byte("IHDR"))
	crc.Write(ihdr)
	_ = binary.Write(&buf, binary.BigEndian, crc.Sum32())

	return buf.Bytes()
}

func testTask() (models.PhotoTask, *models.Photo) {
	photoID := uuid.New()
	return models.PhotoTask{PhotoID: photoID, StorageURL: "albums/a/" + photoID.String() + ".png"},
		&models.Photo{ID: photoID, AlbumID: uuid.New(), StorageURL: "albums/a/" + photoID.String() + ".png"}
}

func newTestWorker(t *testing.T, store PhotoStore, fetcher ObjectFetcher, embedder Embedder, notifier Notifier) *Worker {
	t.Helper()
	w := New(store, fetcher, embedder, notifier, 64_000_000)
	w.scratchDir = t.TempDir()
	return w
}

func TestProcessTaskSuccess(t *testing.T) {
	task, photo := testTask()
	store := newFakeStore()
	store.photos[task.PhotoID] = photo

	faces := []extract.Face{
		{Embedding: []float32{0.1}, Box: models.FaceBox{X: 1, Y: 1, W: 50, H: 60}},
		{Embedding: []float32{0.2}, Box: models.FaceBox{X: 9, Y: 9, W: 30, H: 40}},
	}
	notifier := &fakeNotifier{}
	w := newTestWorker(t, store, &fakeFetcher{content: pngHeader(t, 100, 100)}, &fakeEmbedder{faces: faces}, notifier)

	disp, err := w.ProcessTask(context.Background(), task)
	if err != nil {
		t.Fatalf("ProcessTask failed: %v", err)
	}
	if disp != Ack {
		t.Fatalf("disposition = %v, want Ack", disp)
	}

	committed := store.committed[task.PhotoID]
	if len(committed) != 2 {
		t.Fatalf("got %d embeddings, want 2", len(committed))
	}
	if committed[0].PhotoID != task.PhotoID {
		t.Errorf("embedding bound to wrong photo: %v", committed[0].PhotoID)
	}
	if committed[1].BoxArea.W != 30 {
		t.Errorf("face box not carried through: %+v", committed[1].BoxArea)
	}

	if len(notifier.events) != 1 {
		t.Fatalf("got %d processed events, want 1", len(notifier.events))
	}
	evt := notifier.events[0]
	if evt.PhotoID != task.PhotoID || evt.AlbumID != photo.AlbumID || evt.FacesFound != 2 {
		t.Errorf("unexpected event: %+v", evt)
	}
}

func TestProcessTaskMissingPhoto(t *testing.T) {
	task, _ := testTask()
	store := newFakeStore() // photo not present
	fetcher := &fakeFetcher{content: pngHeader(t, 10, 10)}
	w := newTestWorker(t, store, fetcher, &fakeEmbedder{}, nil)

	disp, err := w.ProcessTask(context.Background(), task)
	if err != nil {
		t.Fatalf("ProcessTask failed: %v", err)
	}
	if disp != Skip {
		t.Fatalf("disposition = %v, want Skip", disp)
	}
	if fetcher.calls != 0 {
		t.Error("deleted photo must not be fetched")
	}
	if len(store.committed) != 0 {
		t.Error("deleted photo must not produce embeddings")
	}
}

func TestProcessTaskStoreErrorRetries(t *testing.T) {
	task, _ := testTask()
	store := newFakeStore()
	store.getErr = errors.New("connection reset")
	w := newTestWorker(t, store, &fakeFetcher{}, &fakeEmbedder{}, nil)

	disp, err := w.ProcessTask(context.Background(), task)
	if disp != Retry {
		t.Fatalf("disposition = %v, want Retry", disp)
	}
	if err == nil {
		t.Error("transient failure should carry its cause")
	}
}

func TestProcessTaskFetchErrorRetries(t *testing.T) {
	task, photo := testTask()
	store := newFakeStore()
	store.photos[task.PhotoID] = photo
	w := newTestWorker(t, store, &fakeFetcher{err: errors.New("timeout")}, &fakeEmbedder{}, nil)

	disp, _ := w.ProcessTask(context.Background(), task)
	if disp != Retry {
		t.Fatalf("disposition = %v, want Retry", disp)
	}
}

func TestProcessTaskPixelBombContained(t *testing.T) {
	task, photo := testTask()
	store := newFakeStore()
	store.photos[task.PhotoID] = photo

	// Tiny on the wire, 10 gigapixels declared.
	bomb := pngHeader(t, 100_000, 100_000)
	w := newTestWorker(t, store, &fakeFetcher{content: bomb}, &fakeEmbedder{}, nil)

	disp, err := w.ProcessTask(context.Background(), task)
	if disp != Ack {
		t.Fatalf("disposition = %v, want Ack (contained, not retried)", disp)
	}
	if err == nil {
		t.Error("containment should report its reason")
	}
	if len(store.marked) != 1 || store.marked[0] != task.PhotoID {
		t.Errorf("poisoned photo should be marked processed, marked = %v", store.marked)
	}
	if len(store.committed) != 0 {
		t.Error("poisoned photo must not reach inference or storage")
	}
}

func TestProcessTaskExtractorFailureCommitsZeroFaces(t *testing.T) {
	task, photo := testTask()
	store := newFakeStore()
	store.photos[task.PhotoID] = photo

	w := newTestWorker(t, store, &fakeFetcher{content: pngHeader(t, 100, 100)},
		&fakeEmbedder{err: extract.ErrTimeout}, &fakeNotifier{})

	disp, err := w.ProcessTask(context.Background(), task)
	if err != nil {
		t.Fatalf("ProcessTask failed: %v", err)
	}
	if disp != Ack {
		t.Fatalf("disposition = %v, want Ack", disp)
	}

	committed, ok := store.committed[task.PhotoID]
	if !ok {
		t.Fatal("photo should still be committed as processed with zero faces")
	}
	if len(committed) != 0 {
		t.Errorf("got %d embeddings, want 0", len(committed))
	}
}

func TestProcessTaskDropsDegenerateFaces(t *testing.T) {
	task, photo := testTask()
	store := newFakeStore()
	store.photos[task.PhotoID] = photo

	faces := []extract.Face{
		{Embedding: []float32{0.1}, Box: models.FaceBox{W: 50, H: 60}},
		{Embedding: []float32{0.2}, Box: models.FaceBox{W: 0, H: 40}},
	}
	w := newTestWorker(t, store, &fakeFetcher{content: pngHeader(t, 100, 100)}, &fakeEmbedder{faces: faces}, nil)

	if _, err := w.ProcessTask(context.Background(), task); err != nil {
		t.Fatalf("ProcessTask failed: %v", err)
	}
	if got := len(store.committed[task.PhotoID]); got != 1 {
		t.Errorf("got %d embeddings, want 1 (degenerate box dropped)", got)
	}
}

func TestProcessTaskCommitErrorRetries(t *testing.T) {
	task, photo := testTask()
	store := newFakeStore()
	store.photos[task.PhotoID] = photo
	store.commitErr = errors.New("deadlock detected")

	w := newTestWorker(t, store, &fakeFetcher{content: pngHeader(t, 100, 100)}, &fakeEmbedder{}, nil)

	disp, _ := w.ProcessTask(context.Background(), task)
	if disp != Retry {
		t.Fatalf("disposition = %v, want Retry", disp)
	}
}

func TestProcessTaskRemovesScratchFile(t *testing.T) {
	task, photo := testTask()
	store := newFakeStore()
	store.photos[task.PhotoID] = photo

	w := newTestWorker(t, store, &fakeFetcher{content: pngHeader(t, 100, 100)}, &fakeEmbedder{}, nil)

	if _, err := w.ProcessTask(context.Background(), task); err != nil {
		t.Fatalf("ProcessTask failed: %v", err)
	}

	scratch := filepath.Join(w.scratchDir, "grabpic-"+task.PhotoID.String())
	if _, err := os.Stat(scratch); !os.IsNotExist(err) {
		t.Errorf("scratch file %s should be removed", scratch)
	}
}

func TestHandleContainsExtractorPanic(t *testing.T) {
	task, photo := testTask()
	store := newFakeStore()
	store.photos[task.PhotoID] = photo

	w := newTestWorker(t, store, &fakeFetcher{content: pngHeader(t, 100, 100)}, panickingEmbedder{}, nil)

	payload, err := json.Marshal(task)
	if err != nil {
		t.Fatal(err)
	}
	msg := &fakeMsg{data: payload}

	// Must not propagate the panic out of the consumer loop.
	w.handle(context.Background(), msg)

	if msg.acked || msg.termed || msg.naked {
		t.Errorf("panicked message should be left for redelivery, got ack=%v term=%v nak=%v",
			msg.acked, msg.termed, msg.naked)
	}
	if len(store.committed) != 0 {
		t.Error("panicked task must not commit embeddings")
	}
}

func TestHandleTermsMalformedPayload(t *testing.T) {
	store := newFakeStore()
	w := newTestWorker(t, store, &fakeFetcher{}, &fakeEmbedder{}, nil)

	msg := &fakeMsg{data: []byte("{not json")}
	w.handle(context.Background(), msg)

	if !msg.termed {
		t.Error("malformed payload should be terminated, not retried")
	}
	if msg.acked {
		t.Error("malformed payload must not be acked as a success")
	}
}

func TestProcessTaskRemovesScratchFileOnFailure(t *testing.T) {
	task, photo := testTask()
	store := newFakeStore()
	store.photos[task.PhotoID] = photo
	store.commitErr = errors.New("down")

	w := newTestWorker(t, store, &fakeFetcher{content: pngHeader(t, 100, 100)}, &fakeEmbedder{}, nil)

	_, _ = w.ProcessTask(context.Background(), task)

	scratch := filepath.Join(w.scratchDir, "grabpic-"+task.PhotoID.String())
	if _, err := os.Stat(scratch); !os.IsNotExist(err) {
		t.Errorf("scratch file %s should be removed on failure too", scratch)
	}
}

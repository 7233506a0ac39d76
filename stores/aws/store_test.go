package aws

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"coderoom-server/core"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// fakeS3 keeps objects in a map and answers like the S3 API for missing keys.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{Message: aws.String("not found")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.objects[aws.ToString(in.Key)] = data
	f.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	delete(f.objects, aws.ToString(in.Key))
	f.mu.Unlock()
	return &s3.DeleteObjectOutput{}, nil
}

func newTestStore() (*s3Store, *fakeS3) {
	fake := newFakeS3()
	return &s3Store{s3Client: fake, bucket: "test-bucket"}, fake
}

func TestObjectKey(t *testing.T) {
	key, err := objectKey(roomsPrefix, "r1")
	if err != nil || key != "rooms/r1.json" {
		t.Errorf("objectKey() = %q, %v", key, err)
	}
	for _, id := range []string{"", ".", "..", "a/b", "../x"} {
		if _, err := objectKey(documentsPrefix, id); !errors.Is(err, core.ErrValidation) {
			t.Errorf("objectKey(%q) error = %v, want ErrValidation", id, err)
		}
	}
}

func TestRoomsAndDocuments(t *testing.T) {
	store, fake := newTestStore()
	ctx := context.Background()

	if _, err := store.GetRoom(ctx, "r1"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("GetRoom() error = %v, want ErrNotFound", err)
	}

	room := &core.Room{ID: "r1", OwnerID: "alice", AccessType: core.AccessPrivate, Editors: []string{"bob"}}
	if err := store.SaveRoom(ctx, room); err != nil {
		t.Fatalf("SaveRoom() failed: %v", err)
	}
	got, err := store.GetRoom(ctx, "r1")
	if err != nil || got.OwnerID != "alice" || got.Editors[0] != "bob" {
		t.Fatalf("GetRoom() = %+v, %v", got, err)
	}

	if err := store.Save(ctx, "r1", &core.Document{Content: "x = 1", Version: 7}); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	doc, err := store.Load(ctx, "r1")
	if err != nil || doc.Content != "x = 1" || doc.Version != 7 {
		t.Fatalf("Load() = %+v, %v", doc, err)
	}
	if _, ok := fake.objects["documents/r1.json"]; !ok {
		t.Errorf("document stored under unexpected key: %v", fake.objects)
	}

	if err := store.DeleteRoom(ctx, "r1"); err != nil {
		t.Fatalf("DeleteRoom() failed: %v", err)
	}
	if len(fake.objects) != 0 {
		t.Errorf("DeleteRoom() left objects behind: %v", fake.objects)
	}
	if err := store.DeleteRoom(ctx, "r1"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("second DeleteRoom() = %v, want ErrNotFound", err)
	}
}

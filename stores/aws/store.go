package aws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"path"

	"coderoom-server/core"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"
)

const (
	roomsPrefix     = "rooms"
	documentsPrefix = "documents"
)

// objectAPI is the subset of the S3 client the store uses.
type objectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type s3Store struct {
	s3Client objectAPI
	bucket   string
}

// NewStore creates a new S3-based store.
func NewStore(bucketName string) *s3Store {
	cfg, err := config.LoadDefaultConfig(context.TODO())
	if err != nil {
		log.Fatalf("unable to load SDK config, %v", err)
	}

	return &s3Store{
		s3Client: s3.NewFromConfig(cfg),
		bucket:   bucketName,
	}
}

// objectKey builds "<prefix>/<id>.json". The id must be a single path segment.
func objectKey(prefix, id string) (string, error) {
	if id == "" || id == "." || id == ".." || path.Base(id) != id {
		return "", fmt.Errorf("invalid id %q: %w", id, core.ErrValidation)
	}
	return path.Join(prefix, id+".json"), nil
}

func (s *s3Store) getJSON(ctx context.Context, key string, v any) error {
	resp, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return fmt.Errorf("object %s: %w", key, core.ErrNotFound)
		}
		return fmt.Errorf("failed to get object %s: %v", key, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read object %s: %v", key, err)
	}
	return json.Unmarshal(data, v)
}

func (s *s3Store) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %v", key, err)
	}
	return nil
}

// RoomStore implementation
func (s *s3Store) GetRoom(ctx context.Context, id string) (*core.Room, error) {
	key, err := objectKey(roomsPrefix, id)
	if err != nil {
		return nil, err
	}
	var room core.Room
	if err := s.getJSON(ctx, key, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

func (s *s3Store) SaveRoom(ctx context.Context, room *core.Room) error {
	if room == nil {
		return fmt.Errorf("room is required: %w", core.ErrValidation)
	}
	key, err := objectKey(roomsPrefix, room.ID)
	if err != nil {
		return err
	}
	if err := s.putJSON(ctx, key, room); err != nil {
		logrus.WithError(err).WithField("room_id", room.ID).Error("Failed to save room")
		return err
	}
	return nil
}

func (s *s3Store) DeleteRoom(ctx context.Context, id string) error {
	roomKey, err := objectKey(roomsPrefix, id)
	if err != nil {
		return err
	}
	if _, err := s.GetRoom(ctx, id); err != nil {
		return err
	}

	for _, key := range []string{roomKey, path.Join(documentsPrefix, id+".json")} {
		_, err := s.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return fmt.Errorf("failed to delete object %s: %v", key, err)
		}
	}
	return nil
}

// DocumentStore implementation
func (s *s3Store) Load(ctx context.Context, roomID string) (*core.Document, error) {
	key, err := objectKey(documentsPrefix, roomID)
	if err != nil {
		return nil, err
	}
	var doc core.Document
	if err := s.getJSON(ctx, key, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *s3Store) Save(ctx context.Context, roomID string, document *core.Document) error {
	key, err := objectKey(documentsPrefix, roomID)
	if err != nil {
		return err
	}
	if err := s.putJSON(ctx, key, document); err != nil {
		logrus.WithError(err).WithField("room_id", roomID).Error("Failed to save document")
		return err
	}
	return nil
}

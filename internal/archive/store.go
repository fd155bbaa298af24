// Package archive keeps transcripts of finished conversations in S3 after
// the live copy in Redis expires.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/wolfman30/clinic-booking-engine/internal/conversation"
	"github.com/wolfman30/clinic-booking-engine/pkg/logging"
)

// S3API is the subset of the S3 client used by Store.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Store archives conversation transcripts to S3.
type Store struct {
	bucket   string
	s3Client S3API
	logger   *logging.Logger
	now      func() time.Time
}

// NewStore creates an archive Store. If bucket is empty, all operations are no-ops.
func NewStore(s3Client S3API, bucket string, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{bucket: bucket, s3Client: s3Client, logger: logger, now: time.Now}
}

// Enabled returns true if archival is configured (bucket is set).
func (s *Store) Enabled() bool {
	return s != nil && s.bucket != "" && s.s3Client != nil
}

// Archive implements conversation.Archiver.
func (s *Store) Archive(ctx context.Context, conv *conversation.Conversation) error {
	if !s.Enabled() || conv == nil {
		return nil
	}
	return s.ArchiveConversation(ctx, NewRecord(conv, s.now().UTC()))
}

// NewRecord converts a conversation into its archived form with PII scrubbed.
func NewRecord(conv *conversation.Conversation, archivedAt time.Time) *ConversationRecord {
	msgs := make([]Message, 0, len(conv.History))
	for _, m := range conv.History {
		msgs = append(msgs, Message{Role: m.Role, Content: m.Content, Timestamp: m.At})
	}
	ScrubMessages(msgs)

	duration := 0
	if !conv.CreatedAt.IsZero() && conv.LastActivityAt.After(conv.CreatedAt) {
		duration = int(conv.LastActivityAt.Sub(conv.CreatedAt).Seconds())
	}
	return &ConversationRecord{
		Version:         recordVersion,
		ConversationID:  conv.ID,
		TenantID:        conv.TenantID,
		PhoneHash:       HashPhone(conv.PatientID),
		ArchivedAt:      archivedAt,
		DurationSeconds: duration,
		MessageCount:    len(msgs),
		Outcome:         string(conv.State),
		Context: ConversationContext{
			Service:          conv.Candidate.Service.Value,
			Date:             conv.Candidate.Date.Value,
			Time:             conv.Candidate.Time.Value,
			AppointmentID:    conv.AppointmentID,
			RescheduleOf:     conv.RescheduleOf,
			BookingCompleted: conv.AppointmentID != "",
		},
		Messages: msgs,
	}
}

// ArchiveConversation writes a ConversationRecord as JSON to S3 and appends to the manifest.
func (s *Store) ArchiveConversation(ctx context.Context, record *ConversationRecord) error {
	if !s.Enabled() {
		return nil
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("archive: marshal record: %w", err)
	}

	now := record.ArchivedAt
	if now.IsZero() {
		now = s.now().UTC()
	}

	// A conversation id is reused after a terminal state, so the key carries the archive instant.
	s3Key := fmt.Sprintf("conversations/v1/%s/%d/%02d/%02d/%s-%d.json",
		record.TenantID, now.Year(), now.Month(), now.Day(), record.ConversationID, now.Unix())

	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s3Key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("archive: s3 put %s: %w", s3Key, err)
	}

	s.logger.Info("archived conversation to S3",
		"conversation_id", record.ConversationID,
		"s3_key", s3Key,
		"message_count", record.MessageCount,
		"outcome", record.Outcome,
	)

	entry := ManifestEntry{
		ConversationID: record.ConversationID,
		TenantID:       record.TenantID,
		S3Key:          s3Key,
		ArchivedAt:     now.Format(time.RFC3339),
		MessageCount:   record.MessageCount,
		Outcome:        record.Outcome,
	}
	if err := s.AppendManifest(ctx, entry); err != nil {
		// The transcript itself is stored; a missing manifest line is recoverable by listing.
		s.logger.Warn("failed to append manifest", "error", err, "conversation_id", record.ConversationID)
	}
	return nil
}

// AppendManifest appends a JSONL line to the monthly manifest file.
// Uses read-modify-write since S3 doesn't support append.
func (s *Store) AppendManifest(ctx context.Context, entry ManifestEntry) error {
	if !s.Enabled() {
		return nil
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("archive: marshal manifest entry: %w", err)
	}

	now := s.now().UTC()
	manifestKey := fmt.Sprintf("conversations/v1/manifests/%d-%02d.jsonl", now.Year(), now.Month())

	var existing []byte
	getResp, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(manifestKey),
	})
	switch {
	case err == nil:
		existing, err = io.ReadAll(getResp.Body)
		getResp.Body.Close()
		if err != nil {
			return fmt.Errorf("archive: read manifest: %w", err)
		}
	case isNotFound(err):
		s.logger.Debug("manifest not found, creating new", "key", manifestKey)
	default:
		return fmt.Errorf("archive: s3 get manifest: %w", err)
	}

	var buf bytes.Buffer
	if len(existing) > 0 {
		buf.Write(existing)
		if existing[len(existing)-1] != '\n' {
			buf.WriteByte('\n')
		}
	}
	buf.Write(line)
	buf.WriteByte('\n')

	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(manifestKey),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("archive: s3 put manifest: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NoSuchKey" || apiErr.ErrorCode() == "NotFound")
}

package videos

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/asticode/go-astisub"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"golang.org/x/text/language"

	"github.com/orthodoxlms/backend/internal/models"
	"github.com/orthodoxlms/backend/pkg/storage"
)

// MaxSubtitleBytes caps one caption file.
const MaxSubtitleBytes = 2 << 20

// Subtitle validation errors.
var (
	ErrInvalidSubtitle = errors.New("subtitle must be WebVTT or SRT text")
	ErrInvalidLanguage = errors.New("invalid language code")
)

// ObjectUploader stores caption files. *storage.S3 implements it.
type ObjectUploader interface {
	Upload(ctx context.Context, key, contentType string, body io.Reader, contentLength int64) (string, error)
}

// CanonicalLanguage parses a BCP 47 tag and returns its canonical form.
func CanonicalLanguage(code string) (string, error) {
	tag, err := language.Parse(strings.TrimSpace(code))
	if err != nil {
		return "", fmt.Errorf("%w %q: %v", ErrInvalidLanguage, code, err)
	}
	return tag.String(), nil
}

// ToWebVTT validates a caption file and returns it as WebVTT. Both SRT and
// WebVTT input are parsed into cues and written out again, so the result
// always carries well-formed cue timings.
func ToWebVTT(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data) > MaxSubtitleBytes {
		return nil, ErrInvalidSubtitle
	}
	if !isText(mimetype.Detect(data)) {
		return nil, ErrInvalidSubtitle
	}
	text := strings.TrimPrefix(string(data), "\ufeff")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var (
		subs *astisub.Subtitles
		err  error
	)
	if strings.HasPrefix(text, "WEBVTT") {
		subs, err = astisub.ReadFromWebVTT(strings.NewReader(text))
	} else {
		subs, err = astisub.ReadFromSRT(strings.NewReader(text))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSubtitle, err)
	}
	if len(subs.Items) == 0 {
		return nil, fmt.Errorf("%w: no cues", ErrInvalidSubtitle)
	}
	for i, item := range subs.Items {
		if item.EndAt <= item.StartAt {
			return nil, fmt.Errorf("%w: cue %d ends before it starts", ErrInvalidSubtitle, i+1)
		}
	}

	var b bytes.Buffer
	if err := subs.WriteToWebVTT(&b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSubtitle, err)
	}
	return b.Bytes(), nil
}

func isText(m *mimetype.MIME) bool {
	for ; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}

// SubtitleInput is one caption upload.
type SubtitleInput struct {
	LessonID     uuid.UUID
	LanguageCode string
	LanguageName string
	Data         []byte
}

// SaveSubtitle converts, stores and records a caption track. Writing the same
// (lesson, language) again replaces the previous track.
func SaveSubtitle(ctx context.Context, objects ObjectUploader, store SubtitleStore, in SubtitleInput) (*models.Subtitle, error) {
	code, err := CanonicalLanguage(in.LanguageCode)
	if err != nil {
		return nil, err
	}
	vtt, err := ToWebVTT(in.Data)
	if err != nil {
		return nil, err
	}
	key := storage.SubtitleKey(in.LessonID.String(), code)
	url, err := objects.Upload(ctx, key, "text/vtt", bytes.NewReader(vtt), int64(len(vtt)))
	if err != nil {
		return nil, fmt.Errorf("store subtitle: %w", err)
	}
	name := strings.TrimSpace(in.LanguageName)
	if name == "" {
		name = code
	}
	sub := &models.Subtitle{
		LessonID:     in.LessonID,
		LanguageCode: code,
		LanguageName: name,
		ObjectKey:    key,
		URL:          url,
	}
	if err := store.UpsertSubtitle(ctx, sub); err != nil {
		return nil, fmt.Errorf("record subtitle: %w", err)
	}
	return sub, nil
}

package features

import (
	"testing"
	"time"

	"github.com/nathan/mailsentry/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestExtractor() *Extractor {
	return NewExtractor([]string{"PayPal.com ", "microsoft.com"}, zap.NewNop())
}

func validEmail() *core.EmailRecord {
	return &core.EmailRecord{
		MessageID:  "msg-1",
		Subject:    "Quarterly report",
		Sender:     "Alice@Corp.Example",
		SenderName: " Alice Smith ",
		Recipient:  "Bob@Corp.Example",
		Body:       "<p>See attached.</p>",
		Headers:    map[string]string{"reply-to": " Alice@Corp.Example "},
		ReceivedAt: time.Now(),
	}
}

func TestExtractValidation(t *testing.T) {
	extractor := newTestExtractor()

	tests := []struct {
		name  string
		email *core.EmailRecord
	}{
		{"nil email", nil},
		{"missing message id", &core.EmailRecord{Sender: "a@b.example"}},
		{"missing sender", &core.EmailRecord{MessageID: "msg-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := extractor.Extract(tt.email)
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrValidation)
		})
	}
}

func TestExtractNormalizesIdentity(t *testing.T) {
	extractor := newTestExtractor()

	bundle, err := extractor.Extract(validEmail())
	require.NoError(t, err)

	assert.Equal(t, "alice@corp.example", bundle.Sender)
	assert.Equal(t, "corp.example", bundle.SenderDomain)
	assert.Equal(t, "bob@corp.example", bundle.Recipient)
	assert.Equal(t, "Alice Smith", bundle.SenderName)
	assert.Equal(t, "alice@corp.example", bundle.ReplyTo)
	assert.Equal(t, "See attached.", bundle.BodyText)
}

func TestExtractCanonicalizesHeaderKeys(t *testing.T) {
	extractor := newTestExtractor()
	email := validEmail()
	email.Headers = map[string]string{"x-mailer ": " Mutt", "REPLY-TO": "x@y.example"}

	bundle, err := extractor.Extract(email)
	require.NoError(t, err)

	assert.Equal(t, "Mutt", bundle.Headers["X-Mailer"])
	assert.Equal(t, "x@y.example", bundle.Headers["Reply-To"])
}

func TestExtractURLFeatures(t *testing.T) {
	extractor := newTestExtractor()
	email := validEmail()
	email.URLs = []string{
		"https://Example.COM/a/b",
		"http://192.168.1.10/login",
		"not-a-url",
	}

	bundle, err := extractor.Extract(email)
	require.NoError(t, err)
	require.Len(t, bundle.URLs, 3)

	assert.Equal(t, "example.com", bundle.URLs[0].Domain)
	assert.Equal(t, "https", bundle.URLs[0].Scheme)
	assert.Equal(t, 2, bundle.URLs[0].PathDepth)
	assert.False(t, bundle.URLs[0].IPLiteral)
	assert.False(t, bundle.URLs[0].Unavailable)

	assert.True(t, bundle.URLs[1].IPLiteral)

	// One unparseable URL degrades that entry only, never the bundle
	assert.True(t, bundle.URLs[2].Unavailable)
}

func TestExtractAttachmentFeatures(t *testing.T) {
	extractor := newTestExtractor()
	email := validEmail()
	email.Attachments = []core.Attachment{
		{Filename: "Invoice.PDF.exe", ContentType: "application/octet-stream", Size: 1024, Hash: "ABCD"},
		{Filename: "archive.zip", ContentType: "application/zip", Size: 2048},
		{Filename: "notes.txt", ContentType: "text/plain"},
		{Filename: ""},
	}

	bundle, err := extractor.Extract(email)
	require.NoError(t, err)
	require.Len(t, bundle.Attachments, 4)

	exe := bundle.Attachments[0]
	assert.Equal(t, ".exe", exe.Extension)
	assert.True(t, exe.Executable)
	assert.True(t, exe.DoubleExtension)
	assert.Equal(t, "abcd", exe.Hash)

	zip := bundle.Attachments[1]
	assert.True(t, zip.Archive)
	assert.False(t, zip.Executable)
	assert.False(t, zip.DoubleExtension)

	txt := bundle.Attachments[2]
	assert.False(t, txt.Executable)
	assert.False(t, txt.Archive)

	assert.True(t, bundle.Attachments[3].Unavailable)
}

func TestHasDetonatableContent(t *testing.T) {
	extractor := newTestExtractor()

	bundle, err := extractor.Extract(validEmail())
	require.NoError(t, err)
	assert.False(t, bundle.HasDetonatableContent())

	email := validEmail()
	email.URLs = []string{"https://example.com/"}
	bundle, err = extractor.Extract(email)
	require.NoError(t, err)
	assert.True(t, bundle.HasDetonatableContent())
}

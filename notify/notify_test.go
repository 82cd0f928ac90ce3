package notify

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/ruteri/apas-records-backend/interfaces"
	"github.com/stretchr/testify/assert"
)

type failingNotifier struct {
	calls int
}

func (f *failingNotifier) NotifyAlert(ctx context.Context, a interfaces.AlertNotification) error {
	f.calls++
	return errors.New("smtp unreachable")
}

func testAlert() interfaces.AlertNotification {
	return interfaces.AlertNotification{
		AlertID:       7,
		RecordID:      42,
		Subject:       "Grace Hopper",
		SubjectDigest: interfaces.Digest("aabbccddeeff00112233445566778899"),
		RiskScore:     0.99,
		Course:        "Compilers",
		Owner:         "i1",
	}
}

func TestLogNotifier_NeverLogsSubject(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(slog.New(slog.NewJSONHandler(&buf, nil)))

	assert.NoError(t, n.NotifyAlert(context.Background(), testAlert()))

	out := buf.String()
	assert.NotContains(t, out, "Grace")
	assert.Contains(t, out, `"subject":"aabbccddeeff"`)
	assert.Contains(t, out, `"recordID":42`)
	assert.Contains(t, out, `"riskScore":0.99`)
}

func TestFanout(t *testing.T) {
	var buf bytes.Buffer
	failing := &failingNotifier{}
	f := Fanout{failing, NewLogNotifier(slog.New(slog.NewTextHandler(&buf, nil)))}

	err := f.NotifyAlert(context.Background(), testAlert())
	assert.ErrorContains(t, err, "smtp unreachable")
	assert.Equal(t, 1, failing.calls)
	assert.Contains(t, buf.String(), "Student at risk")

	assert.NoError(t, Fanout{}.NotifyAlert(context.Background(), testAlert()))
}

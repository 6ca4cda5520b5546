package mailbox

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labforge/labctl/internal/apperrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndDeliver(t *testing.T) {
	mb := New("http://mb.test")

	url, recv := mb.Register("inst-1", "post_boot")
	assert.Equal(t, "http://mb.test/callback/inst-1/post_boot", url)

	require.NoError(t, mb.deliver("inst-1", "post_boot", Message{Tag: "post_boot", Payload: map[string]any{"ok": true}}))

	msg, err := recv.WaitNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "post_boot", msg.Tag)
	assert.Equal(t, true, msg.Payload["ok"])
}

func TestDeliver_UnknownEndpointFails(t *testing.T) {
	mb := New("http://mb.test")
	err := mb.deliver("nope", "post_boot", Message{})
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestDeliver_DuplicatePostAfterConsumptionIsDiscarded(t *testing.T) {
	mb := New("http://mb.test")
	_, recv := mb.Register("inst-1", "post_image")

	require.NoError(t, mb.deliver("inst-1", "post_image", Message{Tag: "post_image"}))
	_, err := recv.WaitNext(context.Background())
	require.NoError(t, err)

	// The second POST must neither error nor become receivable.
	require.NoError(t, mb.deliver("inst-1", "post_image", Message{Tag: "post_image"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = recv.WaitNext(ctx)
	require.Error(t, err)
	assert.True(t, apperrors.IsTimeout(err))
}

func TestWaitNext_TimesOut(t *testing.T) {
	mb := New("http://mb.test")
	_, recv := mb.Register("inst-1", "pre_image")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := recv.WaitNext(ctx)
	require.Error(t, err)
	assert.True(t, apperrors.IsTimeout(err))
}

func TestOverride_IsDeliveredLikeARealCallback(t *testing.T) {
	mb := New("http://mb.test")
	_, recv := mb.Register("inst-1", "mock")

	require.NoError(t, mb.Override("inst-1", "mock", map[string]any{"mock": true}))

	msg, err := recv.WaitNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, true, msg.Payload["mock"])
	assert.True(t, msg.Synthetic)
}

func TestPublishCloudConfig_ServedOverHTTP(t *testing.T) {
	mb := New("http://mb.test")
	srv := NewServer(mb)

	url := mb.PublishCloudConfig("inst-1", "#cloud-config\nhostname: host-a\n")
	assert.Equal(t, "http://mb.test/ci/inst-1", url)

	req := httptest.NewRequest(http.MethodGet, "/ci/inst-1", nil)
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "#cloud-config\n"))

	req = httptest.NewRequest(http.MethodGet, "/ci/unknown", nil)
	rec = httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTPCallback_DeliversToReceiver(t *testing.T) {
	mb := New("http://mb.test")
	srv := NewServer(mb)
	_, recv := mb.Register("inst-1", "post_provision")

	req := httptest.NewRequest(http.MethodPost, "/callback/inst-1/post_provision", strings.NewReader(`{"status":"done"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	msg, err := recv.WaitNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", msg.Payload["status"])
}

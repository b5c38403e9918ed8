package serialmux

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tailscale.com/tsweb"

	"github.com/banshee-data/fsm-calibration/internal/monitoring"
	"github.com/banshee-data/fsm-calibration/internal/testutil"
)

func init() {
	monitoring.SetLogger(nil)
}

func openFake(t *testing.T) (*Controller, *FakeController) {
	t.Helper()
	fake := NewFakeController()
	opener := func(path string, opts PortOptions) (SerialPorter, error) {
		assert.Equal(t, "/dev/ttyFSM0", path)
		return fake, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c, err := OpenController(ctx, "/dev/ttyFSM0", PortOptions{}, opener)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, fake
}

func TestOpenControllerInitializes(t *testing.T) {
	t.Parallel()
	c, fake := openFake(t)
	assert.True(t, fake.Servo())
	st := c.Status()
	assert.Equal(t, fake.Identity, st.Identity)
	assert.True(t, st.Connected)
	assert.Equal(t, []string{"*IDN?", "SVO 1 1 2 1", "ERR?"}, fake.Written())
}

func TestSendCommandAcknowledged(t *testing.T) {
	t.Parallel()
	c, fake := openFake(t)
	ctx := context.Background()

	require.NoError(t, c.SendCommand(ctx, 12.5, -3))
	require.NoError(t, c.SendCommand(ctx, 0, 0))
	assert.Equal(t, [][2]float64{{12.5, -3}, {0, 0}}, fake.Moves())

	st := c.Status()
	assert.Equal(t, uint64(2), st.Acked)
	assert.Equal(t, [2]float64{0, 0}, st.LastCommand)
	assert.Contains(t, fake.Written(), "MOV 1 12.5 2 -3")
}

func TestSendCommandControllerError(t *testing.T) {
	t.Parallel()
	c, fake := openFake(t)
	fake.Limit = 100

	err := c.SendCommand(context.Background(), 150, 0)
	var ce *ControllerError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, 7, ce.Code)
	assert.Contains(t, ce.Error(), "position out of limits")
	assert.Equal(t, uint64(1), c.Status().Rejected)
	assert.Empty(t, fake.Moves())

	require.NoError(t, c.SendCommand(context.Background(), 50, 0), "error is cleared by ERR?")
}

func TestSendCommandTimeoutThenRecovers(t *testing.T) {
	t.Parallel()
	c, fake := openFake(t)

	fake.SetStall(true)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.SendCommand(ctx, 1, 1)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)

	fake.SetStall(false)
	require.NoError(t, c.SendCommand(context.Background(), 2, 2))
	assert.Equal(t, [2]float64{2, 2}, c.Status().LastCommand)
}

func TestLateReplyNotTakenAsAck(t *testing.T) {
	t.Parallel()
	c, fake := openFake(t)
	fake.Limit = 100
	fake.SetReplyDelay(40 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.SendCommand(ctx, 1, 1)
	require.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)

	// The 0 owed to the first move arrives while the second is waiting.
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	err = c.SendCommand(ctx2, 500, 500)
	var ce *ControllerError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, 7, ce.Code)
	assert.Equal(t, [2]float64{0, 0}, c.Status().LastCommand)

	fake.SetReplyDelay(0)
	require.NoError(t, c.SendCommand(context.Background(), 2, 2))
	assert.Equal(t, [2]float64{2, 2}, c.Status().LastCommand)
	assert.Equal(t, [][2]float64{{1, 1}, {2, 2}}, fake.Moves())
}

func TestLateIdentityReplyResyncs(t *testing.T) {
	t.Parallel()
	c, fake := openFake(t)
	fake.Limit = 100
	fake.SetReplyDelay(40 * time.Millisecond)

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Raw(short, "*IDN?")
	require.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)

	// The late identity satisfies the resync, so the resync's own identity
	// lands where the error code belongs. That is reported, never acked.
	ctx, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	err = c.SendCommand(ctx, 500, 500)
	assert.True(t, errors.Is(err, ErrBadReply), "got %v", err)

	fake.SetReplyDelay(0)
	err = c.SendCommand(ctx, 3, 3)
	require.NoError(t, err)
	assert.Equal(t, [2]float64{3, 3}, c.Status().LastCommand)
}

func TestSendCommandStaleReplyDiscarded(t *testing.T) {
	t.Parallel()
	c, fake := openFake(t)
	fake.InjectError(10)

	// The latched 10 is reported by the first ERR?; a second exchange must
	// not see a leftover reply.
	err := c.SendCommand(context.Background(), 1, 1)
	var ce *ControllerError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 10, ce.Code)
	require.NoError(t, c.SendCommand(context.Background(), 1, 1))
}

func TestControllerHangup(t *testing.T) {
	t.Parallel()
	c, fake := openFake(t)
	fake.Hangup()
	require.Eventually(t, func() bool { return !c.Status().Connected }, time.Second, time.Millisecond)

	err := c.SendCommand(context.Background(), 1, 1)
	assert.True(t, errors.Is(err, ErrClosed), "got %v", err)
}

func TestMoveWithServoOffRejected(t *testing.T) {
	t.Parallel()
	fake := NewFakeController()
	c := NewController(fake)
	defer c.Close()

	err := c.SendCommand(context.Background(), 1, 1)
	var ce *ControllerError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 5, ce.Code)
}

func TestRawQuery(t *testing.T) {
	t.Parallel()
	c, fake := openFake(t)
	reply, err := c.Raw(context.Background(), "*IDN?")
	require.NoError(t, err)
	assert.Equal(t, fake.Identity, reply)

	reply, err = c.Raw(context.Background(), "HLT")
	require.NoError(t, err)
	assert.Empty(t, reply)
	code, err := c.Raw(context.Background(), "ERR?")
	require.NoError(t, err)
	assert.Equal(t, "2", code, "HLT is unknown to the fake")
}

func TestSubscribeSeesTraffic(t *testing.T) {
	t.Parallel()
	c, _ := openFake(t)
	id, lines := c.Subscribe()
	require.NoError(t, c.SendCommand(context.Background(), 3, 4))

	got := []string{<-lines, <-lines, <-lines}
	assert.Equal(t, []string{"> MOV 1 3 2 4", "> ERR?", "< 0"}, got)
	c.Unsubscribe(id)
	_, ok := <-lines
	assert.False(t, ok)
}

func TestCloseTurnsServoOff(t *testing.T) {
	t.Parallel()
	fake := NewFakeController()
	c := NewController(fake)
	require.NoError(t, c.Initialize(context.Background()))
	_, lines := c.Subscribe()

	require.NoError(t, c.Close())
	assert.False(t, fake.Servo())
	for range lines {
	}
	require.NoError(t, c.Close(), "close is idempotent")
}

func TestAdminRoutes(t *testing.T) {
	t.Parallel()
	c, _ := openFake(t)
	mux := http.NewServeMux()
	c.AttachAdminRoutes(tsweb.Debugger(mux))

	req := httptest.NewRequest(http.MethodGet, "/debug/fsm", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Contains(t, rec.Body.String(), `"connected":true`)

	form := url.Values{"command": {"*IDN?"}}
	req = httptest.NewRequest(http.MethodPost, "/debug/fsm-command", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "127.0.0.1:1234"
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Contains(t, rec.Body.String(), "S-330")

	req = httptest.NewRequest(http.MethodGet, "/debug/fsm-command", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	testutil.AssertStatusCode(t, rec.Code, http.StatusMethodNotAllowed)
}

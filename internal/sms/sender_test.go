package sms

import (
	"context"
	"strings"
	"testing"
	"time"

	"emperror.dev/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cubeos-gsm/internal/at"
	"cubeos-gsm/internal/serialport"
	"cubeos-gsm/internal/serialport/serialtest"
)

type target struct {
	exec        *at.Executor
	unsupported bool
}

func (t target) ModuleID() string       { return "m1" }
func (t target) Executor() *at.Executor { return t.exec }
func (t target) Unsupported() bool      { return t.unsupported }

func newSender() *Sender {
	return NewSender(Config{
		SetupTimeout:  50 * time.Millisecond,
		PromptTimeout: 50 * time.Millisecond,
		FinalTimeout:  80 * time.Millisecond,
	})
}

func device() *serialtest.FakeChannel {
	return serialtest.NewModem("/dev/ttyUSB0", "862462030111111")
}

func TestSendHappyPath(t *testing.T) {
	ch := device()

	ref, err := newSender().Send(context.Background(), target{exec: at.New(ch)}, "+1 (555) 123-4567", "hi")
	require.NoError(t, err)
	assert.Equal(t, "42", ref.ID)
	assert.False(t, ref.Local)
	assert.Equal(t, "m1", ref.ModuleID)

	assert.Equal(t, []string{
		"AT+CMGF=1\r\n",
		"AT+CSCS=\"GSM\"\r\n",
		"AT+CMGS=\"15551234567\"\r\n",
		"hi\x1a",
	}, ch.Writes())
}

func TestSendLocalRefWithoutCMGS(t *testing.T) {
	ch := device().OnPrefix("", "\r\nOK\r\n")

	ref, err := newSender().Send(context.Background(), target{exec: at.New(ch)}, "5551234", "hi")
	require.NoError(t, err)
	assert.True(t, ref.Local)
	assert.Len(t, ref.ID, 36)
}

func TestSendPromptTimeoutWritesEsc(t *testing.T) {
	ch := device().Silence("AT+CMGS=")

	_, err := newSender().Send(context.Background(), target{exec: at.New(ch)}, "5551234", "hi")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPromptTimeout))

	var smsErr *Error
	require.True(t, errors.As(err, &smsErr))
	assert.True(t, smsErr.ModuleFault())
	assert.Equal(t, "m1", smsErr.ModuleID)

	writes := ch.Writes()
	assert.Equal(t, "\x1b", writes[len(writes)-1])
	for _, w := range writes {
		assert.NotContains(t, w, "hi", "the body is never written without a prompt")
	}
}

func TestSendAddressRejected(t *testing.T) {
	ch := device().OnPrefix("AT+CMGS=", "\r\n+CMS ERROR: 304\r\n")

	_, err := newSender().Send(context.Background(), target{exec: at.New(ch)}, "5551234", "hi")
	assert.True(t, errors.Is(err, ErrDeviceRejected))
	assert.Contains(t, err.Error(), "+CMS ERROR: 304")
}

func TestSendFinalRejected(t *testing.T) {
	ch := device().OnPrefix("", "\r\n+CMS ERROR: 500\r\n")

	_, err := newSender().Send(context.Background(), target{exec: at.New(ch)}, "5551234", "hi")
	require.Error(t, err)

	var smsErr *Error
	require.True(t, errors.As(err, &smsErr))
	assert.Equal(t, KindDeviceRejected, smsErr.Kind)
	assert.Equal(t, "+CMS ERROR: 500", smsErr.Detail)
}

func TestSendFinalTimeout(t *testing.T) {
	ch := device().Silence("")

	_, err := newSender().Send(context.Background(), target{exec: at.New(ch)}, "5551234", "hi")
	assert.True(t, errors.Is(err, ErrSendTimeout))
}

func TestSendModeSetupFailed(t *testing.T) {
	ch := device().On("AT+CMGF=1", "\r\nERROR\r\n")

	_, err := newSender().Send(context.Background(), target{exec: at.New(ch)}, "5551234", "hi")
	assert.True(t, errors.Is(err, ErrModeSetupFailed))
	assert.Equal(t, []string{"AT+CMGF=1\r\n"}, ch.Writes())
}

func TestSendCharsetTimeout(t *testing.T) {
	ch := device().Silence(`AT+CSCS="GSM"`)

	_, err := newSender().Send(context.Background(), target{exec: at.New(ch)}, "5551234", "hi")
	assert.True(t, errors.Is(err, ErrModeSetupFailed))
}

func TestSendTransportFailure(t *testing.T) {
	ch := device()
	ch.Fail("unplugged")

	_, err := newSender().Send(context.Background(), target{exec: at.New(ch)}, "5551234", "hi")
	assert.True(t, errors.Is(err, ErrTransport))
	assert.True(t, errors.Is(err, serialport.ErrClosed))
}

func TestSendCancelledWaitsOutPromptAndWritesEsc(t *testing.T) {
	ch := device().Silence("AT+CMGS=")
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	start := time.Now()
	_, err := NewSender(Config{PromptTimeout: 80 * time.Millisecond}).Send(ctx, target{exec: at.New(ch)}, "5551234", "hi")
	assert.True(t, errors.Is(err, ErrCancelled))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond, "the prompt wait runs to its timeout")

	var smsErr *Error
	require.True(t, errors.As(err, &smsErr))
	assert.False(t, smsErr.ModuleFault())

	writes := ch.Writes()
	assert.Equal(t, "\x1b", writes[len(writes)-1])
}

func TestSendCancelledAfterPromptNeverWritesBody(t *testing.T) {
	ch := device().OnDelayed(`AT+CMGS="5551234"`, 40*time.Millisecond, "\r\n> ")
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	_, err := newSender().Send(ctx, target{exec: at.New(ch)}, "5551234", "hi")
	assert.True(t, errors.Is(err, ErrCancelled))

	writes := ch.Writes()
	assert.Equal(t, "\x1b", writes[len(writes)-1], "the module is taken out of input mode")
	for _, w := range writes {
		assert.NotContains(t, w, "hi")
	}
}

func TestSendCancelAfterBodyKeepsDeviceResult(t *testing.T) {
	ch := device().OnDelayed("hi\x1a", 40*time.Millisecond, "\r\n+CMGS: 7\r\n\r\nOK\r\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exec := at.New(ch)

	// cancel once the body is on the wire
	go func() {
		for i := 0; i < 500 && !strings.HasSuffix(strings.Join(ch.Writes(), ""), "\x1a"); i++ {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	ref, err := NewSender(Config{FinalTimeout: time.Second}).Send(ctx, target{exec: exec}, "5551234", "hi")
	require.NoError(t, err)
	assert.Equal(t, "7", ref.ID)
}

func TestSendWritesGSMCodes(t *testing.T) {
	ch := device()

	_, err := newSender().Send(context.Background(), target{exec: at.New(ch)}, "5551234", "Price £5 @ café")
	require.NoError(t, err)

	writes := ch.Writes()
	assert.Equal(t, "Price \x015 \x00 caf\x05\x1a", writes[len(writes)-1])
}

func TestSendRejectsBeforeTouchingDevice(t *testing.T) {
	cases := []struct {
		name        string
		phone, body string
		unsupported bool
		want        error
	}{
		{"short number", "12", "hi", false, ErrInvalidInput},
		{"letters in number", "555-CALL", "hi", false, ErrInvalidInput},
		{"empty body", "5551234", "", false, ErrInvalidInput},
		{"body too long", "5551234", strings.Repeat("a", 161), false, ErrInvalidInput},
		{"non GSM-7 body", "5551234", "hello 😀", false, ErrInvalidInput},
		{"ctrl-z in body", "5551234", "hi\x1a", false, ErrInvalidInput},
		{"extension character", "5551234", "Price £5 €", false, ErrInvalidInput},
		{"brace", "5551234", "{x}", false, ErrInvalidInput},
		{"xi encodes to ctrl-z", "5551234", "Ξ", false, ErrInvalidInput},
		{"unsupported model", "5551234", "hi", true, ErrUnsupportedModule},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ch := device()
			_, err := newSender().Send(context.Background(), target{exec: at.New(ch), unsupported: tc.unsupported}, tc.phone, tc.body)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
			assert.Empty(t, ch.Writes())
		})
	}
}

func TestEncodeBody(t *testing.T) {
	assert.NoError(t, ValidateBody(strings.Repeat("a", 160), 160))
	assert.NoError(t, ValidateBody(strings.Repeat("é", 160), 160), "default alphabet characters take one septet")
	assert.Error(t, ValidateBody(strings.Repeat("é", 161), 160))

	b, err := EncodeBody("Hi £_", 160)
	require.NoError(t, err)
	assert.Equal(t, []byte{'H', 'i', ' ', 0x01, 0x11}, b)

	_, err = EncodeBody("ab€", 160)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "'€'")
}

func TestNormalizeNumber(t *testing.T) {
	n, err := NormalizeNumber("+44 (20) 7946-0958")
	require.NoError(t, err)
	assert.Equal(t, "442079460958", n)

	_, err = NormalizeNumber(strings.Repeat("1", 21))
	assert.Error(t, err)
}

func TestParseCMGS(t *testing.T) {
	ref, ok := parseCMGS([]string{"+CMGS: 17"})
	assert.True(t, ok)
	assert.Equal(t, "17", ref)

	_, ok = parseCMGS([]string{"hi"})
	assert.False(t, ok)
}

func TestErrorIsMatchesKind(t *testing.T) {
	err := errors.WithStack(newError(KindPromptTimeout, "m1", "no prompt", nil))
	assert.True(t, errors.Is(err, ErrPromptTimeout))
	assert.False(t, errors.Is(err, ErrSendTimeout))
	assert.Equal(t, "sms: prompt_timeout: no prompt (module m1)", newError(KindPromptTimeout, "m1", "no prompt", nil).Error())
}

package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/dues-engine/ledger"
)

type fakeSender struct {
	mu       sync.Mutex
	emailErr error
	smsErr   error
	block    bool
	emails   []string
	sms      []string
}

func (s *fakeSender) SendEmail(ctx context.Context, to, subject, body string) error {
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.emailErr != nil {
		return s.emailErr
	}
	s.emails = append(s.emails, to)
	return nil
}

func (s *fakeSender) SendSMS(ctx context.Context, to, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.smsErr != nil {
		return s.smsErr
	}
	s.sms = append(s.sms, to)
	return nil
}

var both = Recipient{Name: "Cohen", Email: "cohen@example.org", Phone: "+15550100", EmailOptIn: true, SMSOptIn: true}

// =============================================================================
// DELIVERY
// =============================================================================

func TestDeliver_ChannelRules(t *testing.T) {
	tests := []struct {
		name      string
		channels  Channels
		recipient Recipient
		wantEmail bool
		wantSMS   bool
		wantSkip  bool
	}{
		{"both allowed", Channels{Email: true, SMS: true}, both, true, true, false},
		{"tenant email only", Channels{Email: true}, both, true, false, false},
		{"recipient opted out of email", Channels{Email: true, SMS: true}, Recipient{Email: "a@b", Phone: "1", SMSOptIn: true}, false, true, false},
		{"no phone on file", Channels{SMS: true}, Recipient{Email: "a@b", EmailOptIn: true, SMSOptIn: true}, false, false, true},
		{"tenant has no channel", Channels{}, both, false, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &fakeSender{}
			d := NewDispatcher(sender, time.Second, zerolog.Nop())

			delivery, err := d.Deliver(context.Background(), "shul-1", tt.channels, tt.recipient, KindOverdue, Message{Subject: "s", Body: "b", SMS: "t"})

			if tt.wantSkip {
				require.Error(t, err)
				assert.True(t, ledger.IsSkip(err))
				assert.Empty(t, sender.emails)
				assert.Empty(t, sender.sms)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantEmail, delivery.Email)
			assert.Equal(t, tt.wantSMS, delivery.SMS)
		})
	}
}

func TestDeliver_PartialFailureSucceeds(t *testing.T) {
	// GIVEN: Email fails but SMS works
	sender := &fakeSender{emailErr: errors.New("smtp down")}
	d := NewDispatcher(sender, time.Second, zerolog.Nop())

	// WHEN: Both channels are attempted
	delivery, err := d.Deliver(context.Background(), "shul-1", Channels{Email: true, SMS: true}, both, KindUpcoming, Message{})

	// THEN: Delivery counts as sent through SMS
	require.NoError(t, err)
	assert.False(t, delivery.Email)
	assert.True(t, delivery.SMS)
}

func TestDeliver_AllChannelsFail(t *testing.T) {
	sender := &fakeSender{emailErr: errors.New("smtp down"), smsErr: errors.New("sms down")}
	d := NewDispatcher(sender, time.Second, zerolog.Nop())

	_, err := d.Deliver(context.Background(), "shul-1", Channels{Email: true, SMS: true}, both, KindUpcoming, Message{})

	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrExternalService)
	assert.False(t, ledger.IsSkip(err))
}

func TestDeliver_SendTimeout(t *testing.T) {
	// GIVEN: An email transport that never answers
	sender := &fakeSender{block: true}
	d := NewDispatcher(sender, 20*time.Millisecond, zerolog.Nop())

	// WHEN: Delivering by email only
	_, err := d.Deliver(context.Background(), "shul-1", Channels{Email: true}, both, KindOverdue, Message{})

	// THEN: The send times out as an external failure
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// =============================================================================
// TEMPLATES
// =============================================================================

func TestRender_Defaults(t *testing.T) {
	tpl := MustTemplates()

	msg, err := tpl.Render(KindOverdue, TemplateData{RecipientName: "Cohen", Amount: "180.00", DueDate: "2024-03-01", DaysOverdue: 30, Level: 3})
	require.NoError(t, err)
	assert.Equal(t, "Payment overdue: 180.00 due 2024-03-01", msg.Subject)
	assert.Contains(t, msg.Body, "30 days overdue")
	assert.Contains(t, msg.Body, "final reminder")
	assert.Contains(t, msg.SMS, "180.00")

	msg, err = tpl.Render(KindOverdue, TemplateData{Amount: "180.00", DaysOverdue: 7, Level: 1})
	require.NoError(t, err)
	assert.NotContains(t, msg.Body, "final reminder")

	msg, err = tpl.Render(KindTaskDue, TemplateData{TaskTitle: "Order flowers", DueDate: "2024-03-20"})
	require.NoError(t, err)
	assert.Equal(t, "Task due: Order flowers", msg.Subject)
}

func TestNewTemplates_Overrides(t *testing.T) {
	tpl, err := NewTemplates(map[Kind]TemplateSet{
		KindUpcoming: {Subject: "Heads up: {{.Amount}}"},
	})
	require.NoError(t, err)

	msg, err := tpl.Render(KindUpcoming, TemplateData{Amount: "50.00", DueDate: "2024-04-01", DaysUntilDue: 3})
	require.NoError(t, err)
	assert.Equal(t, "Heads up: 50.00", msg.Subject)
	assert.Contains(t, msg.Body, "in 3 day(s)")

	_, err = NewTemplates(map[Kind]TemplateSet{KindUpcoming: {Body: "{{.Amount"}})
	assert.Error(t, err)

	_, err = tpl.Render("birthday", TemplateData{})
	assert.Error(t, err)
}

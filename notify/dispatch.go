/*
Package notify renders reminder messages and fans them out to the email
and SMS channels a tenant and recipient allow.

DELIVERY RULES:
  - A channel is used only if the tenant enables it AND the recipient
    opted in AND has an address for it.
  - No usable channel is a ConfigurationError (callers count a skip).
  - Channels fail independently. Delivery succeeds if at least one
    channel delivered; it fails only when every attempted channel failed.
  - Every send runs under its own timeout.

SEE ALSO:
  - gateway/notifier.go: Webhook and log senders
  - billing/escalation.go, billing/reminders.go: Callers
*/
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/dues-engine/ledger"
	"github.com/warp/dues-engine/metrics"
)

// Sender is the notification transport collaborator.
type Sender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
	SendSMS(ctx context.Context, to, body string) error
}

// Recipient is who a message goes to and what they accept.
type Recipient struct {
	Name       string
	Email      string
	Phone      string
	EmailOptIn bool
	SMSOptIn   bool
}

// FamilyRecipient builds a recipient from family contact preferences.
func FamilyRecipient(f ledger.Family) Recipient {
	return Recipient{
		Name:       f.Name,
		Email:      f.Email,
		Phone:      f.Phone,
		EmailOptIn: f.EmailOptIn,
		SMSOptIn:   f.SMSOptIn,
	}
}

// Channels are the transports a tenant has turned on.
type Channels struct {
	Email bool
	SMS   bool
}

func ChannelsFor(s ledger.AutomationSettings) Channels {
	return Channels{Email: s.EnableEmail, SMS: s.EnableSMS}
}

// Delivery reports which channels delivered.
type Delivery struct {
	Email bool
	SMS   bool
}

const DefaultSendTimeout = 10 * time.Second

type Dispatcher struct {
	sender  Sender
	timeout time.Duration
	log     zerolog.Logger
}

func NewDispatcher(sender Sender, timeout time.Duration, log zerolog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	return &Dispatcher{sender: sender, timeout: timeout, log: log}
}

// Deliver sends msg on every allowed channel.
func (d *Dispatcher) Deliver(ctx context.Context, tenant ledger.TenantID, ch Channels, r Recipient, kind Kind, msg Message) (Delivery, error) {
	var (
		delivery  Delivery
		attempted int
		errs      []error
	)

	if ch.Email && r.EmailOptIn && r.Email != "" {
		attempted++
		err := d.send(ctx, "email", kind, func(ctx context.Context) error {
			return d.sender.SendEmail(ctx, r.Email, msg.Subject, msg.Body)
		})
		if err != nil {
			errs = append(errs, err)
		} else {
			delivery.Email = true
		}
	}

	if ch.SMS && r.SMSOptIn && r.Phone != "" {
		attempted++
		err := d.send(ctx, "sms", kind, func(ctx context.Context) error {
			return d.sender.SendSMS(ctx, r.Phone, msg.SMS)
		})
		if err != nil {
			errs = append(errs, err)
		} else {
			delivery.SMS = true
		}
	}

	if attempted == 0 {
		return delivery, &ledger.ConfigurationError{TenantID: tenant, Reason: "no notification channel available for " + r.Name}
	}
	if !delivery.Email && !delivery.SMS {
		return delivery, errors.Join(errs...)
	}
	for _, err := range errs {
		d.log.Warn().Err(err).Str("tenant_id", string(tenant)).Str("kind", string(kind)).Msg("partial notification failure")
	}
	return delivery, nil
}

func (d *Dispatcher) send(ctx context.Context, channel string, kind Kind, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		metrics.IncReminder(string(kind), channel, metrics.ResultError)
		return &ledger.ExternalServiceError{Service: channel, Op: "send", Err: err}
	}
	metrics.IncReminder(string(kind), channel, metrics.ResultSuccess)
	return nil
}

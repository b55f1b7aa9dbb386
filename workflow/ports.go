package workflow

import (
	"context"

	"bitbucket.org/mmdatafocus/storefront_backend/notifier"
)

// Mailer delivers transactional mail. The notifier package satisfies it in
// production; tests plug in an in-memory recorder.
type Mailer interface {
	SendEmail(ctx context.Context, email notifier.Email) error
}

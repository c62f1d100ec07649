// Package invite выдаёт и разрешает короткие коды приглашений в группы.
package invite

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/groupbooking/internal/domain"
)

const (
	// Alphabet: заглавные буквы и цифры без неоднозначных 0/O и 1/I.
	Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	// DefaultCodeLength даёт 32^8 ≈ 10^12 вариантов.
	DefaultCodeLength = 8
	// DefaultMaxAttempts: число попыток при коллизии.
	DefaultMaxAttempts = 5
	// DefaultRetention: сколько код терминальной группы остаётся рабочим.
	DefaultRetention = 30 * 24 * time.Hour
)

// Generator создаёт кандидата в коды.
type Generator func() (string, error)

// GroupReader: часть GroupRepository, нужная реестру.
type GroupReader interface {
	Get(ctx context.Context, id string) (domain.Group, error)
}

// Options настраивает Registry.
type Options struct {
	Generator   Generator
	MaxAttempts int
	Retention   time.Duration
	Clock       domain.Clock
	Logger      *log.Entry
}

// Registry: таблица соответствия кодов и групп с проверкой коллизий.
type Registry struct {
	codes       domain.InviteCodeRepository
	groups      GroupReader
	generate    Generator
	maxAttempts int
	retention   time.Duration
	clock       domain.Clock
	logger      *log.Entry
}

// NewRegistry создаёт реестр кодов.
func NewRegistry(codes domain.InviteCodeRepository, groups GroupReader, opts Options) *Registry {
	if opts.Generator == nil {
		opts.Generator = RandomCode(DefaultCodeLength)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Clock == nil {
		opts.Clock = domain.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "invite-registry")
	}

	return &Registry{
		codes:       codes,
		groups:      groups,
		generate:    opts.Generator,
		maxAttempts: opts.MaxAttempts,
		retention:   opts.Retention,
		clock:       opts.Clock,
		logger:      opts.Logger,
	}
}

// Generate выдаёт код группе. Уже выданный код неизменяем и возвращается повторно.
func (r *Registry) Generate(ctx context.Context, groupID string) (string, error) {
	if existing, err := r.codes.CodeFor(ctx, groupID); err == nil {
		return existing, nil
	} else if !errors.Is(err, domain.ErrInvalidCode) {
		return "", fmt.Errorf("lookup invite code: %w", err)
	}

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		code, err := r.generate()
		if err != nil {
			return "", fmt.Errorf("generate invite code: %w", err)
		}

		err = r.codes.Reserve(ctx, code, groupID, r.clock.Now())
		if err == nil {
			return code, nil
		}
		if !errors.Is(err, domain.ErrInviteCodeTaken) {
			return "", fmt.Errorf("reserve invite code: %w", err)
		}

		// Коллизия может означать, что код группе уже выдал параллельный запрос.
		if existing, lookupErr := r.codes.CodeFor(ctx, groupID); lookupErr == nil {
			return existing, nil
		}
		r.logger.WithFields(log.Fields{
			"group_id": groupID,
			"attempt":  attempt,
		}).Warn("invite code collision, regenerating")
	}

	return "", domain.ErrCodeSpaceExhausted
}

// Resolve возвращает группу по коду.
// Коды групп, находящихся в терминальном статусе дольше retention, считаются недействительными.
func (r *Registry) Resolve(ctx context.Context, code string) (domain.Group, error) {
	code = Normalize(code)
	if !Valid(code) {
		return domain.Group{}, domain.ErrInvalidCode
	}

	groupID, err := r.codes.Lookup(ctx, code)
	if err != nil {
		return domain.Group{}, err
	}

	group, err := r.groups.Get(ctx, groupID)
	if err != nil {
		if errors.Is(err, domain.ErrGroupNotFound) {
			return domain.Group{}, domain.ErrInvalidCode
		}
		return domain.Group{}, err
	}

	if group.Status.Terminal() && !group.TerminalAt.IsZero() &&
		r.clock.Now().Sub(group.TerminalAt) > r.retention {
		return domain.Group{}, domain.ErrInvalidCode
	}

	return group, nil
}

// Normalize приводит пользовательский ввод к каноническому виду.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Valid проверяет, что код состоит только из символов алфавита.
func Valid(code string) bool {
	if code == "" {
		return false
	}
	for _, ch := range code {
		if !strings.ContainsRune(Alphabet, ch) {
			return false
		}
	}
	return true
}

// RandomCode возвращает генератор криптостойких кодов фиксированной длины.
func RandomCode(length int) Generator {
	if length <= 0 {
		length = DefaultCodeLength
	}
	alphabetLen := big.NewInt(int64(len(Alphabet)))

	return func() (string, error) {
		var b strings.Builder
		b.Grow(length)
		for i := 0; i < length; i++ {
			n, err := rand.Int(rand.Reader, alphabetLen)
			if err != nil {
				return "", err
			}
			b.WriteByte(Alphabet[n.Int64()])
		}
		return b.String(), nil
	}
}

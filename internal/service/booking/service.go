// Package booking: фасад сценариев группового бронирования для транспорта.
//
// Сервис проверяет права вызывающего, делегирует мутации контроллеру допуска
// и выполняет ленивый Tick при чтении, чтобы просроченные группы не
// показывались как открытые до прихода планировщика.
package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/vladislavdragonenkov/groupbooking/internal/admission"
	"github.com/vladislavdragonenkov/groupbooking/internal/domain"
)

// RoleModerator может отменять и подтверждать чужие группы.
const RoleModerator = "moderator"

const tracerName = "groupbooking/booking"

const defaultSharedReadTimeout = 5 * time.Second

// Admission: операции контроллера допуска, используемые сервисом.
type Admission interface {
	Create(ctx context.Context, req admission.CreateRequest) (domain.Group, error)
	Join(ctx context.Context, groupID, userID string, partySize int) (admission.JoinResult, error)
	Leave(ctx context.Context, groupID, userID string) (domain.Group, error)
	Tick(ctx context.Context, groupID string, now time.Time) (domain.Group, bool, error)
	Confirm(ctx context.Context, groupID string) (domain.Group, error)
	Cancel(ctx context.Context, groupID, reason string) (domain.Group, error)
	AssignInviteCode(ctx context.Context, groupID, code string) (domain.Group, error)
}

// GroupReader: чтения из хранилища групп.
type GroupReader interface {
	Get(ctx context.Context, id string) (domain.Group, error)
	ListParticipants(ctx context.Context, groupID string) ([]domain.Participant, error)
}

// InviteRegistry выдаёт и разрешает коды приглашений.
type InviteRegistry interface {
	Generate(ctx context.Context, groupID string) (string, error)
	Resolve(ctx context.Context, code string) (domain.Group, error)
}

// Caller: аутентифицированный пользователь запроса.
type Caller struct {
	UserID string
	Role   string
}

// IsModerator сообщает, что у вызывающего роль модератора.
func (c Caller) IsModerator() bool {
	return strings.EqualFold(c.Role, RoleModerator)
}

// CreateGroupInput: параметры создания группы.
type CreateGroupInput struct {
	ItemID          string
	SlotAt          time.Time
	MinParticipants int
	MaxParticipants int
	BasePrice       decimal.Decimal
	DiscountStep    decimal.Decimal
	PriceFloor      decimal.Decimal
	Currency        string
	ExpiresAt       time.Time
}

// Invite: код приглашения и ссылка на него.
type Invite struct {
	Code string `json:"invite_code"`
	Link string `json:"invite_link"`
}

// Config задаёт параметры сервиса.
type Config struct {
	InviteBaseURL string
	Retry         RetryConfig
	Clock         domain.Clock
	Logger        *log.Entry

	// SharedReadTimeout ограничивает схлопнутое чтение GetGroup.
	SharedReadTimeout time.Duration
}

// Service: фасад группового бронирования.
type Service struct {
	admission     Admission
	groups        GroupReader
	invites       InviteRegistry
	inviteBaseURL string
	retry         RetryConfig
	clock         domain.Clock
	logger        *log.Entry
	tracer        trace.Tracer
	reads         singleflight.Group

	sharedReadTimeout time.Duration
}

// NewService собирает фасад.
func NewService(adm Admission, groups GroupReader, invites InviteRegistry, cfg Config) *Service {
	if cfg.Clock == nil {
		cfg.Clock = domain.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.WithField("component", "booking-service")
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.SharedReadTimeout <= 0 {
		cfg.SharedReadTimeout = defaultSharedReadTimeout
	}

	return &Service{
		admission:     adm,
		groups:        groups,
		invites:       invites,
		inviteBaseURL: strings.TrimRight(cfg.InviteBaseURL, "/"),
		retry:         cfg.Retry,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		tracer:        otel.Tracer(tracerName),

		sharedReadTimeout: cfg.SharedReadTimeout,
	}
}

// CreateGroup создаёт группу от имени вызывающего и сразу выдаёт ей код приглашения.
// Ошибка выдачи кода не откатывает группу: код можно запросить через CreateInvite.
func (s *Service) CreateGroup(ctx context.Context, caller Caller, in CreateGroupInput) (domain.Group, error) {
	ctx, span := s.start(ctx, "CreateGroup")
	defer span.End()

	if strings.TrimSpace(caller.UserID) == "" {
		return domain.Group{}, finish(span, domain.NewValidationError("user_id", "is required"))
	}

	group, err := s.admission.Create(ctx, admission.CreateRequest{
		ItemID:          in.ItemID,
		SlotAt:          in.SlotAt,
		MinParticipants: in.MinParticipants,
		MaxParticipants: in.MaxParticipants,
		BasePrice:       in.BasePrice,
		DiscountStep:    in.DiscountStep,
		PriceFloor:      in.PriceFloor,
		Currency:        in.Currency,
		ExpiresAt:       in.ExpiresAt,
		CreatedBy:       caller.UserID,
	})
	if err != nil {
		return domain.Group{}, finish(span, err)
	}
	span.SetAttributes(attribute.String("group.id", group.ID))

	withCode, err := s.assignInvite(ctx, group.ID)
	if err != nil {
		s.logger.WithError(err).WithField("group_id", group.ID).Warn("invite code was not assigned on create")
		return group, nil
	}
	return withCode, nil
}

// GetGroup возвращает снимок группы. Параллельные чтения одной группы схлопываются.
func (s *Service) GetGroup(ctx context.Context, groupID string) (domain.Group, error) {
	ctx, span := s.start(ctx, "GetGroup", attribute.String("group.id", groupID))
	defer span.End()

	// Общий вызов не зависит от отмены первого читателя; каждый ждёт по своему ctx.
	ch := s.reads.DoChan("group:"+groupID, func() (any, error) {
		readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.sharedReadTimeout)
		defer cancel()
		return s.readGroup(readCtx, groupID)
	})

	select {
	case <-ctx.Done():
		return domain.Group{}, finish(span, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return domain.Group{}, finish(span, res.Err)
		}
		return res.Val.(domain.Group), nil
	}
}

// JoinGroup добавляет вызывающего в группу. Повтор с тем же пользователем безопасен.
func (s *Service) JoinGroup(ctx context.Context, caller Caller, groupID string, partySize int) (admission.JoinResult, error) {
	ctx, span := s.start(ctx, "JoinGroup",
		attribute.String("group.id", groupID),
		attribute.Int("party.size", partySize),
	)
	defer span.End()

	result, err := s.admission.Join(ctx, groupID, caller.UserID, partySize)
	if err != nil {
		return result, finish(span, err)
	}
	span.SetAttributes(attribute.Bool("join.duplicate", result.AlreadyJoined))
	return result, nil
}

// LeaveGroup удаляет вызывающего из открытой группы.
func (s *Service) LeaveGroup(ctx context.Context, caller Caller, groupID string) (domain.Group, error) {
	ctx, span := s.start(ctx, "LeaveGroup", attribute.String("group.id", groupID))
	defer span.End()

	group, err := s.admission.Leave(ctx, groupID, caller.UserID)
	return group, finish(span, err)
}

// ListParticipants возвращает участников по возрастанию joinedAt.
func (s *Service) ListParticipants(ctx context.Context, groupID string) ([]domain.Participant, error) {
	ctx, span := s.start(ctx, "ListParticipants", attribute.String("group.id", groupID))
	defer span.End()

	var participants []domain.Participant
	err := retryRead(ctx, s.retry, s.logger, "list_participants", func() error {
		var err error
		participants, err = s.groups.ListParticipants(ctx, groupID)
		return err
	})
	if err != nil {
		return nil, finish(span, err)
	}
	return participants, nil
}

// CreateInvite возвращает код приглашения группы, выдавая его при первом вызове.
func (s *Service) CreateInvite(ctx context.Context, groupID string) (Invite, error) {
	ctx, span := s.start(ctx, "CreateInvite", attribute.String("group.id", groupID))
	defer span.End()

	group, err := s.readGroup(ctx, groupID)
	if err != nil {
		return Invite{}, finish(span, err)
	}
	if group.InviteCode == "" {
		if group.Status.Terminal() {
			return Invite{}, finish(span, fmt.Errorf("%w: status %s", domain.ErrGroupNotJoinable, group.Status))
		}
		group, err = s.assignInvite(ctx, groupID)
		if err != nil {
			return Invite{}, finish(span, err)
		}
	}

	return Invite{Code: group.InviteCode, Link: s.inviteLink(group.InviteCode)}, nil
}

// ResolveInvite возвращает группу по коду приглашения.
func (s *Service) ResolveInvite(ctx context.Context, code string) (domain.Group, error) {
	ctx, span := s.start(ctx, "ResolveInvite")
	defer span.End()

	var group domain.Group
	err := retryRead(ctx, s.retry, s.logger, "resolve_invite", func() error {
		var err error
		group, err = s.invites.Resolve(ctx, code)
		return err
	})
	if err != nil {
		return domain.Group{}, finish(span, err)
	}
	return s.lazyTick(ctx, group), nil
}

// CancelGroup отменяет группу. Доступно создателю и модератору.
func (s *Service) CancelGroup(ctx context.Context, caller Caller, groupID, reason string) (domain.Group, error) {
	ctx, span := s.start(ctx, "CancelGroup", attribute.String("group.id", groupID))
	defer span.End()

	if err := s.authorizeOrganizer(ctx, caller, groupID); err != nil {
		return domain.Group{}, finish(span, err)
	}
	if strings.TrimSpace(reason) == "" {
		reason = "cancelled by " + caller.UserID
	}

	group, err := s.admission.Cancel(ctx, groupID, reason)
	return group, finish(span, err)
}

// ConfirmGroup фиксирует группу досрочно. Доступно создателю и модератору.
func (s *Service) ConfirmGroup(ctx context.Context, caller Caller, groupID string) (domain.Group, error) {
	ctx, span := s.start(ctx, "ConfirmGroup", attribute.String("group.id", groupID))
	defer span.End()

	if err := s.authorizeOrganizer(ctx, caller, groupID); err != nil {
		return domain.Group{}, finish(span, err)
	}

	group, err := s.admission.Confirm(ctx, groupID)
	return group, finish(span, err)
}

func (s *Service) readGroup(ctx context.Context, groupID string) (domain.Group, error) {
	var group domain.Group
	err := retryRead(ctx, s.retry, s.logger, "get_group", func() error {
		var err error
		group, err = s.groups.Get(ctx, groupID)
		return err
	})
	if err != nil {
		return domain.Group{}, err
	}
	return s.lazyTick(ctx, group), nil
}

// lazyTick применяет просроченный переход при чтении. Если группа занята,
// возвращается прочитанный снимок: переход применит планировщик.
func (s *Service) lazyTick(ctx context.Context, group domain.Group) domain.Group {
	now := s.clock.Now()
	if !group.NeedsTick(now) {
		return group
	}

	updated, _, err := s.admission.Tick(ctx, group.ID, now)
	if err != nil {
		s.logger.WithError(err).WithField("group_id", group.ID).Debug("lazy tick skipped")
		return group
	}
	return updated
}

func (s *Service) assignInvite(ctx context.Context, groupID string) (domain.Group, error) {
	code, err := s.invites.Generate(ctx, groupID)
	if err != nil {
		return domain.Group{}, err
	}
	group, err := s.admission.AssignInviteCode(ctx, groupID, code)
	if err != nil {
		return domain.Group{}, err
	}
	if group.InviteCode == "" {
		// Группа стала терминальной между Generate и записью кода.
		return domain.Group{}, fmt.Errorf("%w: status %s", domain.ErrGroupNotJoinable, group.Status)
	}
	return group, nil
}

func (s *Service) authorizeOrganizer(ctx context.Context, caller Caller, groupID string) error {
	if strings.TrimSpace(caller.UserID) == "" {
		return domain.ErrForbidden
	}

	group, err := s.readGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if group.CreatedBy != caller.UserID && !caller.IsModerator() {
		return domain.ErrForbidden
	}
	return nil
}

func (s *Service) inviteLink(code string) string {
	if s.inviteBaseURL == "" {
		return "/invite/" + code
	}
	return s.inviteBaseURL + "/invite/" + code
}

func (s *Service) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "booking."+name, trace.WithAttributes(attrs...))
}

// finish отмечает span ошибкой, если она не бизнес-исход.
func finish(span trace.Span, err error) error {
	if err == nil {
		return nil
	}
	span.RecordError(err)
	if !domain.IsBusinessOutcome(err) && !errors.Is(err, domain.ErrValidation) {
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

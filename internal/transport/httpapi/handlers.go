package httpapi

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/groupbooking/internal/domain"
	"github.com/vladislavdragonenkov/groupbooking/internal/service/booking"
)

type createGroupRequest struct {
	ItemID          string          `json:"item_id"`
	SlotAt          *time.Time      `json:"slot_at"`
	MinParticipants int             `json:"min_participants"`
	MaxParticipants int             `json:"max_participants"`
	BasePrice       decimal.Decimal `json:"base_price"`
	DiscountStep    decimal.Decimal `json:"discount_step"`
	PriceFloor      decimal.Decimal `json:"price_floor"`
	Currency        string          `json:"currency"`
	ExpiresAt       time.Time       `json:"expires_at"`
}

type joinGroupRequest struct {
	// PartySize по умолчанию 1.
	PartySize *int `json:"party_size"`
}

type cancelGroupRequest struct {
	Reason string `json:"reason"`
}

type joinGroupResponse struct {
	Group         domain.GroupSnapshot `json:"group"`
	PartySize     int                  `json:"party_size"`
	AlreadyJoined bool                 `json:"already_joined"`
}

type participantResponse struct {
	UserID    string    `json:"user_id"`
	PartySize int       `json:"party_size"`
	JoinedAt  time.Time `json:"joined_at"`
}

type participantsResponse struct {
	GroupID      string                `json:"group_id"`
	TotalSeats   int                   `json:"total_seats"`
	Participants []participantResponse `json:"participants"`
}

func (h *handler) createGroup(c *gin.Context) {
	var req createGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, CodeValidation, "malformed JSON body: "+err.Error())
		return
	}

	in := booking.CreateGroupInput{
		ItemID:          req.ItemID,
		MinParticipants: req.MinParticipants,
		MaxParticipants: req.MaxParticipants,
		BasePrice:       req.BasePrice,
		DiscountStep:    req.DiscountStep,
		PriceFloor:      req.PriceFloor,
		Currency:        req.Currency,
		ExpiresAt:       req.ExpiresAt,
	}
	if req.SlotAt != nil {
		in.SlotAt = *req.SlotAt
	}

	group, err := h.svc.CreateGroup(c.Request.Context(), callerFrom(c), in)
	if err != nil {
		writeDomainError(c, h.logger, err)
		return
	}
	respondOK(c, http.StatusCreated, group.Snapshot())
}

func (h *handler) getGroup(c *gin.Context) {
	group, err := h.svc.GetGroup(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeDomainError(c, h.logger, err)
		return
	}
	respondOK(c, http.StatusOK, group.Snapshot())
}

func (h *handler) joinGroup(c *gin.Context) {
	var req joinGroupRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	partySize := 1
	if req.PartySize != nil {
		partySize = *req.PartySize
	}

	result, err := h.svc.JoinGroup(c.Request.Context(), callerFrom(c), c.Param("id"), partySize)
	if err != nil {
		writeDomainError(c, h.logger, err)
		return
	}

	status := http.StatusOK
	if !result.AlreadyJoined {
		status = http.StatusCreated
	}
	respondOK(c, status, joinGroupResponse{
		Group:         result.Group.Snapshot(),
		PartySize:     result.Participant.PartySize,
		AlreadyJoined: result.AlreadyJoined,
	})
}

func (h *handler) leaveGroup(c *gin.Context) {
	group, err := h.svc.LeaveGroup(c.Request.Context(), callerFrom(c), c.Param("id"))
	if err != nil {
		writeDomainError(c, h.logger, err)
		return
	}
	respondOK(c, http.StatusOK, group.Snapshot())
}

func (h *handler) listParticipants(c *gin.Context) {
	groupID := c.Param("id")
	participants, err := h.svc.ListParticipants(c.Request.Context(), groupID)
	if err != nil {
		writeDomainError(c, h.logger, err)
		return
	}

	resp := participantsResponse{
		GroupID:      groupID,
		TotalSeats:   domain.SumPartySizes(participants),
		Participants: make([]participantResponse, 0, len(participants)),
	}
	for _, p := range participants {
		resp.Participants = append(resp.Participants, participantResponse{
			UserID:    p.UserID,
			PartySize: p.PartySize,
			JoinedAt:  p.JoinedAt,
		})
	}
	respondOK(c, http.StatusOK, resp)
}

func (h *handler) createInvite(c *gin.Context) {
	inv, err := h.svc.CreateInvite(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeDomainError(c, h.logger, err)
		return
	}
	respondOK(c, http.StatusOK, inv)
}

func (h *handler) resolveInvite(c *gin.Context) {
	group, err := h.svc.ResolveInvite(c.Request.Context(), c.Param("code"))
	if err != nil {
		writeDomainError(c, h.logger, err)
		return
	}
	respondOK(c, http.StatusOK, group.Snapshot())
}

func (h *handler) cancelGroup(c *gin.Context) {
	var req cancelGroupRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	group, err := h.svc.CancelGroup(c.Request.Context(), callerFrom(c), c.Param("id"), req.Reason)
	if err != nil {
		writeDomainError(c, h.logger, err)
		return
	}
	respondOK(c, http.StatusOK, group.Snapshot())
}

func (h *handler) confirmGroup(c *gin.Context) {
	group, err := h.svc.ConfirmGroup(c.Request.Context(), callerFrom(c), c.Param("id"))
	if err != nil {
		writeDomainError(c, h.logger, err)
		return
	}
	respondOK(c, http.StatusOK, group.Snapshot())
}

// bindOptionalJSON разбирает тело, если оно есть. Пустое тело допустимо.
func bindOptionalJSON(c *gin.Context, dst any) bool {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		respondError(c, http.StatusBadRequest, CodeValidation, "malformed JSON body: "+err.Error())
		return false
	}
	return true
}

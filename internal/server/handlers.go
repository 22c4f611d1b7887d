package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/driftos/driftrouter/internal/pipeline"
)

type routeRequest struct {
	ConversationID  string `json:"conversationId"`
	Content         string `json:"content"`
	Role            string `json:"role"`
	CurrentBranchID string `json:"currentBranchId"`
	ExtractFacts    *bool  `json:"extractFacts"`
}

type routeData struct {
	Action           string   `json:"action"`
	DriftAction      string   `json:"driftAction"`
	BranchID         string   `json:"branchId"`
	MessageID        string   `json:"messageId"`
	ConversationID   string   `json:"conversationId"`
	PreviousBranchID string   `json:"previousBranchId,omitempty"`
	IsNewBranch      bool     `json:"isNewBranch"`
	IsNewCluster     bool     `json:"isNewCluster"`
	BranchTopic      string   `json:"branchTopic,omitempty"`
	Similarity       float64  `json:"similarity"`
	Confidence       float64  `json:"confidence"`
	Reason           string   `json:"reason"`
	ReasonCodes      []string `json:"reasonCodes,omitempty"`
}

type envelope struct {
	Success bool       `json:"success"`
	Data    *routeData `json:"data,omitempty"`
	Error   *errBody   `json:"error,omitempty"`
}

type errBody struct {
	Message string `json:"message"`
}

// route handles POST /messages and its /drift/route alias: bind the
// request, run it through the pipeline, and shape the result into the
// success/failure envelope. Pipeline errors are returned to echo,
// which routes them through errorHandler.
func (s *Server) route(c echo.Context) error {
	var req routeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	extractFacts := true
	if req.ExtractFacts != nil {
		extractFacts = *req.ExtractFacts
	}

	pc, err := s.Pipeline.Run(c.Request().Context(), pipeline.Request{
		ConversationID:  req.ConversationID,
		Content:         req.Content,
		Role:            req.Role,
		CurrentBranchID: req.CurrentBranchID,
		ExtractFacts:    extractFacts,
	}, s.Policy)
	if err != nil {
		return err
	}

	result := pc.Result
	return c.JSON(http.StatusOK, envelope{
		Success: true,
		Data: &routeData{
			Action:           string(result.Action),
			DriftAction:      string(result.DriftAction),
			BranchID:         result.BranchID,
			MessageID:        result.MessageID,
			ConversationID:   result.ConversationID,
			PreviousBranchID: result.PreviousBranchID,
			IsNewBranch:      result.IsNewBranch,
			IsNewCluster:     result.IsNewCluster,
			BranchTopic:      result.BranchTopic,
			Similarity:       result.Similarity,
			Confidence:       result.Confidence,
			Reason:           result.Reason,
			ReasonCodes:      result.ReasonCodes,
		},
	})
}

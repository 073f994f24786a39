package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

func (s *Server) getPaymentByTripID(c *gin.Context) {
	tripID := strings.TrimSpace(c.Query("tripId"))
	if tripID == "" {
		AbortWithError(c, newValidationError("tripId", "invalid_trip_id", "invalid trip id"))
		return
	}

	payment, err := s.paymentSvc.GetByTripID(c.Request.Context(), tripID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payment})
}

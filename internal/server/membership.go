package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	membershipdomain "github.com/smallbiznis/verdant/internal/membership/domain"
	obsmiddleware "github.com/smallbiznis/verdant/internal/observability/logger"
)

func (s *Server) PurchaseMembership(c *gin.Context) {
	var req membershipdomain.PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.UserID = userID(c)

	resp, err := s.membershipSvc.Purchase(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Set(obsmiddleware.OrderIDKey, resp.OrderID)
	c.JSON(http.StatusOK, resp)
}

func (s *Server) GetMembership(c *gin.Context) {
	resp, err := s.membershipSvc.Status(c.Request.Context(), userID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// AuthorizeDetection charges one detection for free users. VIP members pass through.
func (s *Server) AuthorizeDetection(c *gin.Context) {
	resp, err := s.membershipSvc.AuthorizeDetection(c.Request.Context(), userID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

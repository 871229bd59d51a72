package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	obsmiddleware "github.com/smallbiznis/verdant/internal/observability/logger"
	orderdomain "github.com/smallbiznis/verdant/internal/order/domain"
)

func (s *Server) CreateOrder(c *gin.Context) {
	var req orderdomain.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.BuyerID = userID(c)

	resp, err := s.orderSvc.CreateOrder(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Set(obsmiddleware.OrderIDKey, resp.ID)
	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) GetOrder(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	c.Set(obsmiddleware.OrderIDKey, id)

	resp, err := s.orderSvc.GetOrder(c.Request.Context(), userID(c), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ConfirmPayment(c *gin.Context) {
	var req orderdomain.ConfirmPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.BuyerID = userID(c)
	req.OrderID = strings.TrimSpace(c.Param("id"))
	c.Set(obsmiddleware.OrderIDKey, req.OrderID)

	resp, err := s.orderSvc.ConfirmPayment(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) CancelOrder(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	c.Set(obsmiddleware.OrderIDKey, id)

	resp, err := s.orderSvc.CancelOrder(c.Request.Context(), orderdomain.CancelOrderRequest{
		BuyerID: userID(c),
		OrderID: id,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

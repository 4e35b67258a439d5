package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/carelink/schedule-notifier/pkg/apiresponses"
	"github.com/carelink/schedule-notifier/pkg/mail"
	"github.com/carelink/schedule-notifier/pkg/version"
)

// NotificationService is the part of *mail.Service used by the API.
type NotificationService interface {
	Send(ctx context.Context, notice *mail.ScheduleChangeNotice) (*mail.Outcome, error)
	Enqueue(notice *mail.ScheduleChangeNotice) (string, error)
	Verify(ctx context.Context) bool
}

type NotificationController struct {
	svc NotificationService
	log *zap.SugaredLogger
}

func NewNotificationController(svc NotificationService, log *zap.SugaredLogger) *NotificationController {
	return &NotificationController{svc: svc, log: log}
}

func (nc *NotificationController) Register(rg *gin.RouterGroup) {
	rg.POST("/notifications/schedule-change", nc.handleScheduleChange)
	rg.GET("/notifications/verify", nc.handleVerify)
	rg.GET("/version", nc.handleVersion)
}

func (nc *NotificationController) handleScheduleChange(c *gin.Context) {
	async, err := strconv.ParseBool(c.DefaultQuery("async", "false"))
	if err != nil {
		apiresponses.RespondBadRequest(c, "invalid async parameter: must be true or false")
		return
	}

	var notice mail.ScheduleChangeNotice
	if err := c.ShouldBindJSON(&notice); err != nil {
		apiresponses.RespondBadRequestWithDetails(c, "invalid request body", err.Error())
		return
	}

	if async {
		id, err := nc.svc.Enqueue(&notice)
		if err != nil {
			var me *mail.Error
			if errors.As(err, &me) {
				apiresponses.RespondMailError(c, err)
				return
			}
			nc.log.Warnw("Failed to enqueue schedule change notification", "error", err)
			apiresponses.RespondServiceUnavailable(c, err.Error())
			return
		}
		apiresponses.RespondAccepted(c, gin.H{"id": id})
		return
	}

	outcome, err := nc.svc.Send(c.Request.Context(), &notice)
	if err != nil {
		apiresponses.RespondMailError(c, err)
		return
	}
	apiresponses.RespondOK(c, outcome)
}

func (nc *NotificationController) handleVerify(c *gin.Context) {
	if nc.svc.Verify(c.Request.Context()) {
		apiresponses.RespondOK(c, gin.H{"ok": true})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false})
}

func (nc *NotificationController) handleVersion(c *gin.Context) {
	apiresponses.RespondOK(c, version.GetBuildInfo())
}

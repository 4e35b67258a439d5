// Package api exposes the notification dispatcher over HTTP using gin.
package api

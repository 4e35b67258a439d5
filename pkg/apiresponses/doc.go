// Package apiresponses provides the JSON response helpers of the notification
// API, including the mapping from dispatch failure kinds to HTTP statuses.
package apiresponses

// Package mail sends appointment schedule-change notifications. It resolves
// an SMTP transport from the environment, renders HTML and plain-text bodies,
// classifies delivery failures into a closed set of kinds and offers an
// optional retrying queue on top of the synchronous dispatcher.
package mail

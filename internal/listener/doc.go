// Package listener implements the authenticated callback endpoint runners use
// to reach the host: delivering their final result and calling capabilities.
package listener

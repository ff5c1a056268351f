// Package middleware wraps a ports.RunStore with snapshot transformations:
// AES-GCM encryption with key rotation and PII masking.
package middleware

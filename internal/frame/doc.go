// Package frame defines the classifier observation model and the validator
// that sanitizes raw transport input into frames the engine can trust.
package frame

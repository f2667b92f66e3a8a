// Package common holds helpers shared by the packaging services.
//
// DetectActor records which host and user produced a wheel.
//
//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common

// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"fmt"
	"time"
)

const (
	// smart HTTP v1 services
	ServiceUploadPack  = "git-upload-pack"
	ServiceReceivePack = "git-receive-pack"
	// references prefix
	REF_PREFIX    = "refs/"
	BRANCH_PREFIX = "refs/heads/" // branch prefix
	TAG_PREFIX    = "refs/tags/"  // tag prefix
	HEAD          = "HEAD"
)

// ValidService reports whether svc is one of the smart services this
// server speaks.
func ValidService(svc string) bool {
	return svc == ServiceUploadPack || svc == ServiceReceivePack
}

// AdvertisementType returns the Content-Type of the info/refs response
// for svc.
func AdvertisementType(svc string) string {
	return fmt.Sprintf("application/x-%s-advertisement", svc)
}

// RequestType returns the Content-Type a smart POST body must carry.
func RequestType(svc string) string {
	return fmt.Sprintf("application/x-%s-request", svc)
}

// ResultType returns the Content-Type of a smart POST response.
func ResultType(svc string) string {
	return fmt.Sprintf("application/x-%s-result", svc)
}

type Operation string

const (
	PSEUDO   Operation = ""
	DOWNLOAD Operation = "download"
	UPLOAD   Operation = "upload"
	SUDO     Operation = "sudo"
)

// ServiceOperation maps a smart service onto the access operation it
// requires: fetches read, pushes write.
func ServiceOperation(svc string) Operation {
	if svc == ServiceReceivePack {
		return UPLOAD
	}
	return DOWNLOAD
}

type SASHandshake struct {
	Operation Operation `json:"operation"`
	Version   string    `json:"version,omitempty"`
}

type PayloadHeader struct {
	Authorization string `json:"authorization"`
}

type SASPayload struct {
	Header    PayloadHeader `json:"header"`
	Notice    string        `json:"notice,omitempty"`
	ExpiresAt time.Time     `json:"expires_at,omitzero"`
}

type ErrorCode struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e *ErrorCode) Error() string {
	return e.Message
}

func NewError(code int, format string, a ...any) *ErrorCode {
	return &ErrorCode{Code: code, Message: fmt.Sprintf(format, a...)}
}

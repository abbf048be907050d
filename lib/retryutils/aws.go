/*
 * awsideman
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package retryutils

import (
	"context"
	"errors"
	"net"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// throttleCodes are the AWS error codes treated as rate limiting.
var throttleCodes = map[string]bool{
	"Throttling":                   true,
	"ThrottlingException":          true,
	"TooManyRequests":              true,
	"TooManyRequestsException":     true,
	"RequestLimitExceeded":         true,
	"ProvisionedThroughputExceededException": true,
}

// IsThrottle reports whether err is an AWS rate limiting error.
func IsThrottle(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && throttleCodes[apiErr.ErrorCode()]
}

// IsConflict reports whether err is a create-assignment conflict,
// meaning the assignment already exists.
func IsConflict(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConflictException"
}

// IsNotFound reports whether err is AWS resource-not-found, meaning a
// delete target is already absent.
func IsNotFound(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ResourceNotFoundException"
}

// IsAccessDenied reports whether AWS rejected the call for lack of
// permissions on the target.
func IsAccessDenied(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && (apiErr.ErrorCode() == "AccessDeniedException" || apiErr.ErrorCode() == "AccessDenied")
}

// IsRetriable reports whether the call may be repeated: throttling,
// server-side 5xx and transient network failures qualify. Conflicts,
// missing resources and other client errors do not.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if IsThrottle(err) {
		return true
	}
	if IsConflict(err) || IsNotFound(err) || IsAccessDenied(err) {
		return false
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() >= 500 {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "InternalServerException", "InternalFailure", "InternalError", "ServiceUnavailable", "ServiceUnavailableException":
			return true
		}
		// Remaining API errors are client-side and final.
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

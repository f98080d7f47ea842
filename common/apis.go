// Copyright 2021-2022 The parksense Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/apex/log"
	"github.com/google/uuid"
)

// RequestParam is a helper object for logging a request's parameters into its context
type RequestParam struct {
	// ID is the request ID
	ID string `json:"id"`
	// Method is the request method: DELETE, POST, PUT, GET, etc.
	Method string `json:"method"`
	// URI is the request URI
	URI string `json:"uri"`
}

// RedactedValue replaces credentials which must not be logged
const RedactedValue = "REDACTED"

// RedactQueryParams the request URI of u with the values of the named query parameters
// replaced by RedactedValue
func RedactQueryParams(u *url.URL, params ...string) string {
	if u.RawQuery == "" || len(params) == 0 {
		return u.RequestURI()
	}
	query := u.Query()
	changed := false
	for _, param := range params {
		if _, ok := query[param]; ok {
			query.Set(param, RedactedValue)
			changed = true
		}
	}
	if !changed {
		return u.RequestURI()
	}
	redacted := *u
	redacted.RawQuery = query.Encode()
	return redacted.RequestURI()
}

// ReadRequestParam read the parameters of a request. The request ID is taken from
// requestIDHeader if the caller provided one, otherwise a new one is generated. The values
// of the redact query parameters are not kept in the URI.
func ReadRequestParam(r *http.Request, requestIDHeader string, redact ...string) RequestParam {
	reqID := ""
	if requestIDHeader != "" {
		reqID = r.Header.Get(requestIDHeader)
	}
	if reqID == "" {
		reqID = uuid.New().String()
	}
	return RequestParam{ID: reqID, Method: r.Method, URI: RedactQueryParams(r.URL, redact...)}
}

// UpdateLogTags updates Apex log.Fields map with values the requests's parameters
func (i *RequestParam) UpdateLogTags(tags log.Fields) {
	tags["request_id"] = i.ID
	tags["request_method"] = i.Method
	tags["request_uri"] = fmt.Sprintf("'%s'", i.URI)
}

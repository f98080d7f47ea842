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

package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/alwitt/parksense/common"
	"github.com/apex/log"
	"github.com/golang-jwt/jwt/v5"
)

// Identity the verified holder of a bearer token
type Identity struct {
	// Subject the token subject, the user ID
	Subject string
	// ExpiresAt token expiry, zero if the token never expires
	ExpiresAt time.Time
}

// TokenVerifier checks bearer tokens presented at connect time
type TokenVerifier interface {
	// Verify validate a token, returning the identity it carries
	Verify(token string) (Identity, error)
}

// hmacVerifier implements TokenVerifier for HS256 signed JWTs
type hmacVerifier struct {
	common.Component
	secret []byte
	issuer string
}

// GetTokenVerifier define a new HS256 JWT verifier
func GetTokenVerifier(config common.AuthConfig) (TokenVerifier, error) {
	if config.JWTSecret == "" {
		return nil, fmt.Errorf("no JWT secret configured")
	}
	logTags := log.Fields{"module": "auth", "component": "token-verifier"}
	return &hmacVerifier{
		Component: common.Component{LogTags: logTags},
		secret:    []byte(config.JWTSecret),
		issuer:    config.Issuer,
	}, nil
}

// Verify validate a token, returning the identity it carries
func (v *hmacVerifier) Verify(token string) (Identity, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return Identity{}, common.NewFailure(
			common.FailureAuthentication, "verify-token", fmt.Errorf("no token"),
		)
	}
	options := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		options = append(options, jwt.WithIssuer(v.issuer))
	}
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(_ *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, options...)
	if err != nil {
		log.WithError(err).WithFields(v.LogTags).Debug("Rejected token")
		return Identity{}, common.NewFailure(common.FailureAuthentication, "verify-token", err)
	}
	if claims.Subject == "" {
		return Identity{}, common.NewFailure(
			common.FailureAuthentication, "verify-token", fmt.Errorf("token has no subject"),
		)
	}
	identity := Identity{Subject: claims.Subject}
	if claims.ExpiresAt != nil {
		identity.ExpiresAt = claims.ExpiresAt.Time
	}
	return identity, nil
}

// SignToken issue an HS256 JWT for a subject. A non-positive ttl issues a token without expiry.
func SignToken(config common.AuthConfig, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  subject,
		Issuer:   config.Issuer,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(config.JWTSecret))
}

// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"go.mongocore.dev/driver/bson/bsoncore"
)

// awsCreds holds the static or environment-sourced AWS IAM credentials used
// to sign the GetCallerIdentity request the server verifies. Credential
// resolution is limited to explicit Cred fields and the standard
// AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY/AWS_SESSION_TOKEN environment
// variables; fetching temporary credentials from the EC2/ECS metadata
// endpoints is out of scope (see the x/mongo/driver/auth notes in DESIGN.md).
type awsCreds struct {
	accessKeyID     string
	secretAccessKey string
	sessionToken    string
}

func resolveAWSCreds(cred *Cred) (awsCreds, error) {
	c := awsCreds{
		accessKeyID:     cred.Username,
		secretAccessKey: cred.Password,
		sessionToken:    cred.Props["AWS_SESSION_TOKEN"],
	}
	if c.accessKeyID == "" {
		c.accessKeyID = os.Getenv("AWS_ACCESS_KEY_ID")
	}
	if c.secretAccessKey == "" {
		c.secretAccessKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
	if c.sessionToken == "" {
		c.sessionToken = os.Getenv("AWS_SESSION_TOKEN")
	}
	if c.accessKeyID == "" || c.secretAccessKey == "" {
		return awsCreds{}, fmt.Errorf("MONGODB-AWS requires an access key id and secret access key")
	}
	return c, nil
}

func newMongoDBAWSAuthenticator(cred *Cred) (Authenticator, error) {
	if cred.Source != "" && cred.Source != "$external" {
		return nil, newAuthError(MongoDBAWS, fmt.Errorf("source must be empty or $external"))
	}
	creds, err := resolveAWSCreds(cred)
	if err != nil {
		return nil, newAuthError(MongoDBAWS, err)
	}
	return &mongodbAWSAuthenticator{creds: creds}, nil
}

// mongodbAWSAuthenticator signs an AWS Signature V4 sts:GetCallerIdentity
// request with the client nonce and server nonce, and hands the server
// enough of the signed request for it to replay and verify the caller's
// identity without the client ever disclosing its secret key.
type mongodbAWSAuthenticator struct {
	creds       awsCreds
	clientNonce [32]byte
	serverNonce []byte
	serverHost  string
}

func (a *mongodbAWSAuthenticator) Auth(ctx context.Context, cfg *Config) error {
	return ConductSaslConversation(ctx, cfg, "$external", a)
}

func (a *mongodbAWSAuthenticator) Start() (string, []byte, error) {
	if _, err := rand.Read(a.clientNonce[:]); err != nil {
		return MongoDBAWS, nil, fmt.Errorf("generating client nonce: %w", err)
	}
	payload := bsoncore.BuildDocumentFromElements(
		bsoncore.AppendBinaryElement(nil, "r", 0x00, a.clientNonce[:]),
		bsoncore.AppendInt32Element(nil, "p", int32('n')),
	)
	return MongoDBAWS, payload, nil
}

func (a *mongodbAWSAuthenticator) Next(challenge []byte) ([]byte, error) {
	doc := bsoncore.Document(challenge)
	serverNonceVal, err := doc.LookupErr("s")
	if err != nil {
		return nil, fmt.Errorf("missing server nonce: %w", err)
	}
	if len(serverNonceVal.Data) < 5 {
		return nil, fmt.Errorf("malformed server nonce")
	}
	a.serverNonce = serverNonceVal.Data[5:]
	if len(a.serverNonce) != 64 {
		return nil, fmt.Errorf("server nonce must extend the client nonce to 64 bytes, got %d", len(a.serverNonce))
	}

	host, ok := doc.Lookup("h").StringValueOK()
	if !ok {
		return nil, fmt.Errorf("missing sts host")
	}
	a.serverHost = host

	signed, err := a.signGetCallerIdentity()
	if err != nil {
		return nil, err
	}
	return signed, nil
}

func (a *mongodbAWSAuthenticator) Completed() bool {
	return a.serverHost != ""
}

// signGetCallerIdentity builds the client-final message: an AWS SigV4
// Authorization header over a POST to the server-supplied STS host, with
// the full server nonce carried in the X-Mongodb-Server-Nonce header and
// the GS2 channel-binding flag "n" in X-Mongodb-Gs2-Cb-Flag, per the
// protocol's canonical request shape.
func (a *mongodbAWSAuthenticator) signGetCallerIdentity() ([]byte, error) {
	now := time.Now().UTC()
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")

	const body = "Action=GetCallerIdentity&Version=2011-06-15"
	headers := map[string]string{
		"content-length":         fmt.Sprintf("%d", len(body)),
		"content-type":           "application/x-www-form-urlencoded",
		"host":                   a.serverHost,
		"x-amz-date":             amzDate,
		"x-mongodb-gs2-cb-flag":  "n",
		"x-mongodb-server-nonce": hex.EncodeToString(a.serverNonce),
	}
	if a.creds.sessionToken != "" {
		headers["x-amz-security-token"] = a.creds.sessionToken
	}

	signedHeaders, canonicalHeaders := canonicalHeaderBlock(headers)
	canonicalRequest := fmt.Sprintf("POST\n/\n\n%s\n%s\n%s",
		canonicalHeaders, signedHeaders, sha256Hex([]byte(body)))

	credentialScope := fmt.Sprintf("%s/%s/sts/aws4_request", dateStamp, "us-east-1")
	stringToSign := fmt.Sprintf("AWS4-HMAC-SHA256\n%s\n%s\n%s",
		amzDate, credentialScope, sha256Hex([]byte(canonicalRequest)))

	signingKey := deriveAWSSigningKey(a.creds.secretAccessKey, dateStamp, "us-east-1", "sts")
	signature := hex.EncodeToString(hmacSHA256(signingKey, []byte(stringToSign)))

	authHeader := fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		a.creds.accessKeyID, credentialScope, signedHeaders, signature)

	elems := []byte(nil)
	elems = bsoncore.AppendStringElement(elems, "a", authHeader)
	elems = bsoncore.AppendStringElement(elems, "d", amzDate)
	if a.creds.sessionToken != "" {
		elems = bsoncore.AppendStringElement(elems, "t", a.creds.sessionToken)
	}
	return bsoncore.BuildDocumentFromElements(elems), nil
}

func canonicalHeaderBlock(headers map[string]string) (signedHeaders, canonicalHeaders string) {
	names := make([]string, 0, len(headers))
	for k := range headers {
		names = append(names, k)
	}
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && names[j] < names[j-1]; j-- {
			names[j], names[j-1] = names[j-1], names[j]
		}
	}
	for i, name := range names {
		canonicalHeaders += fmt.Sprintf("%s:%s\n", name, headers[name])
		if i > 0 {
			signedHeaders += ";"
		}
		signedHeaders += name
	}
	return signedHeaders, canonicalHeaders
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func deriveAWSSigningKey(secretKey, dateStamp, region, service string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secretKey), []byte(dateStamp))
	kRegion := hmacSHA256(kDate, []byte(region))
	kService := hmacSHA256(kRegion, []byte(service))
	return hmacSHA256(kService, []byte("aws4_request"))
}

package oauth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tidwall/gjson"
)

// Profile is the identity information read from a provider response.
type Profile struct {
	Subject     string
	Email       string
	DisplayName string
}

// ProfileFromIDToken reads the standard OIDC profile claims from idToken
// without verifying its signature. The backend verifies the token on
// exchange; this is display data only.
func ProfileFromIDToken(idToken string) (Profile, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return Profile{}, fmt.Errorf("parse id token: %w", err)
	}
	p := Profile{}
	p.Subject, _ = claims["sub"].(string)
	p.Email, _ = claims["email"].(string)
	p.DisplayName, _ = claims["name"].(string)
	return p, nil
}

// ProfileFromUserInfo reads an OIDC userinfo document.
func ProfileFromUserInfo(body []byte) (Profile, error) {
	if !gjson.ValidBytes(body) {
		return Profile{}, fmt.Errorf("userinfo: invalid JSON")
	}
	doc := gjson.ParseBytes(body)
	p := Profile{
		Subject:     doc.Get("sub").String(),
		Email:       doc.Get("email").String(),
		DisplayName: doc.Get("name").String(),
	}
	if p.DisplayName == "" {
		given, family := doc.Get("given_name").String(), doc.Get("family_name").String()
		switch {
		case given != "" && family != "":
			p.DisplayName = given + " " + family
		default:
			p.DisplayName = given + family
		}
	}
	return p, nil
}

package deptusers

import (
	"net/url"
	"strings"
)

// User is one directory record as returned by the department-users API.
type User struct {
	AccountName        string            `json:"accountName"`
	Department         string            `json:"department"`
	Email              string            `json:"email"`
	Location           string            `json:"location"`
	Name               string            `json:"name"`
	Phone              string            `json:"phone"`
	PictureURL         string            `json:"pictureUrl"`
	PublicURL          string            `json:"publicUrl"`
	ExtendedProperties map[string]string `json:"extendedProperties"`
}

// PictureURL returns the profile photo address for accountName under webURL.
func PictureURL(webURL, accountName string) string {
	return webURL + "/_layouts/15/userphoto.aspx?size=M&accountname=" + escapeComponent(accountName)
}

func fixPictureURLs(webURL string, users []User) {
	for i := range users {
		users[i].PictureURL = PictureURL(webURL, users[i].AccountName)
	}
}

// escapeComponent escapes s the way encodeURIComponent does: everything
// except A-Z a-z 0-9 and -_.!~*'() is percent-encoded, spaces as %20.
func escapeComponent(s string) string {
	return componentUnescaper.Replace(url.QueryEscape(s))
}

// url.QueryEscape differs from encodeURIComponent on these bytes only.
var componentUnescaper = strings.NewReplacer(
	"+", "%20",
	"%21", "!",
	"%27", "'",
	"%28", "(",
	"%29", ")",
	"%2A", "*",
)

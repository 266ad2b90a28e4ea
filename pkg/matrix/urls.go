package matrix

import (
	"net/url"
	"strconv"
	"strings"
)

func sanitizeURL(hsURL string) string {
	return strings.TrimSuffix(hsURL, "/")
}

func impersonationQuery(as *Impersonate) url.Values {
	query := url.Values{}
	if as == nil {
		return query
	}
	if as.UserID != "" {
		query.Set("user_id", as.UserID)
	}
	if as.TS != 0 {
		query.Set("ts", strconv.FormatInt(as.TS, 10))
	}
	return query
}

func withQuery(base string, query url.Values) string {
	if len(query) == 0 {
		return base
	}
	return base + "?" + query.Encode()
}

func pingURL(hsURL, asID string) string {
	return sanitizeURL(hsURL) + "/_matrix/client/v1/appservice/" + url.PathEscape(asID) + "/ping"
}

func whoamiURL(hsURL string) string {
	return sanitizeURL(hsURL) + "/_matrix/client/v3/account/whoami"
}

func profileURL(hsURL, userID string) string {
	return sanitizeURL(hsURL) + "/_matrix/client/v3/profile/" + url.PathEscape(userID)
}

func profileDisplayNameURL(hsURL, userID string) string {
	return profileURL(hsURL, userID) + "/displayname"
}

func joinRoomURL(hsURL, roomID string, as *Impersonate) string {
	return withQuery(
		sanitizeURL(hsURL)+"/_matrix/client/v3/rooms/"+url.PathEscape(roomID)+"/join",
		impersonationQuery(as))
}

func createRoomURL(hsURL string, as *Impersonate) string {
	return withQuery(
		sanitizeURL(hsURL)+"/_matrix/client/v3/createRoom",
		impersonationQuery(as))
}

func deleteRoomURL(hsURL, roomID string) string {
	return sanitizeURL(hsURL) + "/_synapse/admin/v2/rooms/" + url.PathEscape(roomID)
}

func sendEventURL(hsURL, roomID, eventType, txnID string, as *Impersonate) string {
	return withQuery(
		sanitizeURL(hsURL)+"/_matrix/client/v3/rooms/"+url.PathEscape(roomID)+
			"/send/"+url.PathEscape(eventType)+"/"+url.PathEscape(txnID),
		impersonationQuery(as))
}

func sendStateEventURL(hsURL, roomID, eventType, stateKey string, as *Impersonate) string {
	return withQuery(
		sanitizeURL(hsURL)+"/_matrix/client/v3/rooms/"+url.PathEscape(roomID)+
			"/state/"+url.PathEscape(eventType)+"/"+url.PathEscape(stateKey),
		impersonationQuery(as))
}

func redactEventURL(hsURL, roomID, eventID, txnID string) string {
	return sanitizeURL(hsURL) + "/_matrix/client/v3/rooms/" + url.PathEscape(roomID) +
		"/redact/" + url.PathEscape(eventID) + "/" + url.PathEscape(txnID)
}

func createMediaURL(hsURL string) string {
	return sanitizeURL(hsURL) + "/_matrix/media/v1/create"
}

func uploadMediaURL(hsURL, serverName, mediaID, filename string) string {
	query := url.Values{}
	if filename != "" {
		query.Set("filename", filename)
	}
	return withQuery(
		sanitizeURL(hsURL)+"/_matrix/media/v3/upload/"+url.PathEscape(serverName)+"/"+url.PathEscape(mediaID),
		query)
}

func downloadMediaURL(hsURL, serverName, mediaID string) string {
	return sanitizeURL(hsURL) + "/_matrix/client/v1/media/download/" +
		url.PathEscape(serverName) + "/" + url.PathEscape(mediaID)
}

func roomMessagesURL(hsURL, roomID, from, dir string, limit int) string {
	query := url.Values{}
	if from != "" {
		query.Set("from", from)
	}
	query.Set("dir", dir)
	query.Set("limit", strconv.Itoa(limit))
	return withQuery(
		sanitizeURL(hsURL)+"/_matrix/client/v3/rooms/"+url.PathEscape(roomID)+"/messages",
		query)
}

package api

import "net/http"

// wellKnownManifest describes the REST endpoints and the realtime event
// vocabulary for clients.
const wellKnownManifest = `{
  "name": "TeamCollab",
  "description": "Team chat, file sharing and realtime presence",
  "version": "0.1.0",
  "auth": {
    "type": "bearer",
    "header": "Authorization",
    "realtime": "token query parameter or Authorization header on /ws"
  },
  "endpoints": {
    "signup": "/auth/signup",
    "login": "/auth/login",
    "me": "/auth/me",
    "teams": "/teams",
    "accept_invite": "/teams/accept-invite/{token}",
    "activity": "/teams/{teamId}/activity",
    "messages": "/chat/{teamId}/messages",
    "files": "/files/{teamId}",
    "download": "/files/{teamId}/{fileId}/download",
    "realtime": "/ws"
  },
  "events": {
    "client": ["join-team", "leave-team", "typing-start", "typing-stop", "send-message"],
    "server": ["user-joined", "user-left", "user-typing", "user-stopped-typing", "new-message", "new-file", "receive-message", "error"]
  },
  "health": "/health"
}`

// WellKnownHandler returns the static TeamCollab manifest.
func WellKnownHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(wellKnownManifest))
}

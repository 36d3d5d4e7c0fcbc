package gateway

import "time"

// IdentifyProperties describes the connecting client environment.
type IdentifyProperties struct {
	OS      string `json:"$os"`
	Browser string `json:"$browser"`
	Device  string `json:"$device"`
}

type identifyData struct {
	Token          string             `json:"token"`
	Properties     IdentifyProperties `json:"properties"`
	LargeThreshold int                `json:"large_threshold"`
	Shard          [2]int             `json:"shard"`
	Intents        int64              `json:"intents"`
	Presence       *PresenceUpdate    `json:"presence,omitempty"`
}

type resumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// Activity is a single presence activity. Type is optional: entries
// without one default to streaming (1) when a URL is set, playing (0)
// otherwise. Entries without a Name are dropped.
type Activity struct {
	Name string `json:"name"`
	Type *int   `json:"type"`
	URL  string `json:"url,omitempty"`
}

// PresenceUpdate is the payload for OpPresenceUpdate and the optional
// initial presence inside identify. Optional fields are filled by
// normalizePresence before sending.
type PresenceUpdate struct {
	Since      *int64     `json:"since"`
	Activities []Activity `json:"activities"`
	Status     string     `json:"status"`
	AFK        *bool      `json:"afk"`
}

// VoiceStateUpdate is the payload for OpVoiceStateUpdate. A nil
// ChannelID disconnects from voice.
type VoiceStateUpdate struct {
	GuildID   string  `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	SelfMute  *bool   `json:"self_mute"`
	SelfDeaf  *bool   `json:"self_deaf"`
}

// MemberRequest is the payload for OpRequestGuildMembers.
type MemberRequest struct {
	GuildID string  `json:"guild_id"`
	Query   *string `json:"query"`
	Limit   int     `json:"limit"`
}

func normalizePresence(p PresenceUpdate) PresenceUpdate {
	if p.Status == "" {
		p.Status = "online"
	}
	if p.AFK == nil {
		p.AFK = boolPtr(false)
	}
	if p.Since == nil {
		now := time.Now().UnixMilli()
		p.Since = &now
	}

	activities := make([]Activity, 0, len(p.Activities))
	for _, a := range p.Activities {
		if a.Name == "" {
			continue
		}
		if a.Type == nil {
			t := 0
			if a.URL != "" {
				t = 1
			}
			a.Type = &t
		}
		activities = append(activities, a)
	}
	p.Activities = activities

	return p
}

func normalizeVoiceState(v VoiceStateUpdate) VoiceStateUpdate {
	if v.SelfMute == nil {
		v.SelfMute = boolPtr(false)
	}
	if v.SelfDeaf == nil {
		v.SelfDeaf = boolPtr(false)
	}
	return v
}

func normalizeMemberRequest(r MemberRequest) MemberRequest {
	if r.Query == nil {
		empty := ""
		r.Query = &empty
	}
	return r
}

func boolPtr(b bool) *bool {
	return &b
}

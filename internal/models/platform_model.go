package models

const (
	PlatformLinkedIn  = "linkedin"
	PlatformX         = "x"
	PlatformReddit    = "reddit"
	PlatformYoutube   = "youtube"
	PlatformInstagram = "instagram"
	PlatformTiktok    = "tiktok"
)

var platformNames = map[string]string{
	PlatformLinkedIn:  "LinkedIn",
	PlatformX:         "X (Twitter)",
	PlatformReddit:    "Reddit",
	PlatformYoutube:   "YouTube",
	PlatformInstagram: "Instagram",
	PlatformTiktok:    "TikTok",
}

func PlatformDisplayName(platform string) string {
	if name, ok := platformNames[platform]; ok {
		return name
	}
	return platform
}

func SupportedPlatform(platform string) bool {
	_, ok := platformNames[platform]
	return ok
}

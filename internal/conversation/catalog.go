package conversation

// roomCategories is the canonical list of shared room ids. Static
// configuration, not a runtime decision of the messaging core.
var roomCategories = []string{
	"general",
	"developer",
	"design",
	"gaming",
	"music",
	"sports",
	"study",
	"campus-life",
}

// RoomCategories returns the canonical room category ids.
func RoomCategories() []string {
	out := make([]string, len(roomCategories))
	copy(out, roomCategories)
	return out
}

// ValidRoom reports whether id is one of the canonical room categories.
func ValidRoom(id string) bool {
	for _, c := range roomCategories {
		if c == id {
			return true
		}
	}
	return false
}

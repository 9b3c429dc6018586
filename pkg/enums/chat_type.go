package enums

// ChatType distinguishes the kinds of paid chat destinations.
type ChatType string

const (
	ChatTypeGroup   ChatType = "group"
	ChatTypeChannel ChatType = "channel"
)

func (t ChatType) String() string {
	return string(t)
}

func (t ChatType) IsValid() bool {
	return t == ChatTypeGroup || t == ChatTypeChannel
}

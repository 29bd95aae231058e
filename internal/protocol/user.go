package protocol

import "slices"

// User is a chat account as described by the server.
type User struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name"`
	Handle              string   `json:"handle"`
	Bio                 string   `json:"bio,omitempty"`
	Location            string   `json:"location,omitempty"`
	Timezone            int      `json:"timezone"`
	TwitterUID          string   `json:"twitter_uid,omitempty"`
	DisplayPicture      string   `json:"display_picture,omitempty"`
	DisplayPictureLarge string   `json:"display_picture_large,omitempty"`
	Channels            []string `json:"channels"`
}

// Clone returns a deep copy.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.Channels = slices.Clone(u.Channels)
	return &c
}

func (u *User) HasChannel(target string) bool {
	return u != nil && slices.Contains(u.Channels, target)
}

// WithChannel returns a copy with target added to the channel list.
func (u *User) WithChannel(target string) *User {
	c := u.Clone()
	if c == nil || c.HasChannel(target) {
		return c
	}
	c.Channels = append(c.Channels, target)
	return c
}

// WithoutChannel returns a copy with target removed from the channel list.
func (u *User) WithoutChannel(target string) *User {
	c := u.Clone()
	if c == nil {
		return nil
	}
	c.Channels = slices.DeleteFunc(c.Channels, func(ch string) bool { return ch == target })
	return c
}

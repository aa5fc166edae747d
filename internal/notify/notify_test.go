package notify

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFeedKeepsMostRecent(t *testing.T) {
	f := NewFeed(3, nil)
	for i := 0; i < 5; i++ {
		f.Notify(Notice{Level: LevelInfo, Title: fmt.Sprintf("n%d", i)})
	}

	recent := f.Recent()
	assert.Len(t, recent, 3)
	assert.Equal(t, "n2", recent[0].Title)
	assert.Equal(t, "n4", recent[2].Title)
	assert.False(t, recent[2].Time.IsZero())
}

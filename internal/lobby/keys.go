package lobby

import "fmt"

const roomKeyPattern = "bingo:room:*"

func roomKey(id string) string {
	return "bingo:room:" + id
}

func sessionKey(identity string) string {
	return "bingo:session:" + identity
}

// seenKey holds the latest heartbeat per session handle of a room.
func seenKey(roomID string) string {
	return "bingo:seen:" + roomID
}

func boardsKey(roomID string) string {
	return "bingo:boards:" + roomID
}

func claimKey(roomID string, board int) string {
	return fmt.Sprintf("bingo:board:%s:%d", roomID, board)
}

// StakeRoomID is the well-known id of the shared room for a stake bucket.
func StakeRoomID(stake int) string {
	return fmt.Sprintf("stake-%d", stake)
}

package cache

import (
	"fmt"
	"strconv"
)

// Key layout:
// - roomKey(docID):   live members of a room (ZSet<clientId, expireAtUnix>, score=expireAt)
// - namesKey(docID):  clientId -> member json (Hash)
// - stateKey(docID, clientId): one member's awareness state, expires on its own
// - docsKey():        rooms that ever had a member (Set<docID>)

const (
	keyRoomFmt  = "presence:room:{docID:%s}"
	keyNamesFmt = "presence:room:names:{docID:%s}"
	keyStateFmt = "presence:state:{docID:%s}:%s"
	keyDocsSet  = "presence:docs"
)

func roomKey(docID string) string  { return fmt.Sprintf(keyRoomFmt, docID) }
func namesKey(docID string) string { return fmt.Sprintf(keyNamesFmt, docID) }
func docsKey() string              { return keyDocsSet }

func stateKey(docID string, clientID uint64) string {
	return fmt.Sprintf(keyStateFmt, docID, strconv.FormatUint(clientID, 10))
}

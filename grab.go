package gearmand

import (
	"container/list"
	"fmt"
	"sync"
)

// grabItem is one outstanding GRAB_JOB request: the worker connection
// and the message id to answer on.
type grabItem struct {
	c     *Conn
	msgID []byte
}

func (item grabItem) has(name string) bool {
	return item.c.canDo(name)
}

// grabQueue holds workers waiting for a job, in arrival order.
type grabQueue struct {
	list   *list.List
	locker *sync.Mutex
}

func newGrabQueue() *grabQueue {
	g := new(grabQueue)
	g.list = list.New()
	g.locker = new(sync.Mutex)
	return g
}

func (g *grabQueue) push(item grabItem) {
	defer g.locker.Unlock()
	g.locker.Lock()
	g.list.PushBack(item)
}

// get finds the longest waiting worker able to run the named function.
func (g *grabQueue) get(name string) (item grabItem, err error) {
	defer g.locker.Unlock()
	g.locker.Lock()
	for e := g.list.Front(); e != nil; e = e.Next() {
		item = e.Value.(grabItem)
		if item.has(name) {
			return
		}
	}
	err = fmt.Errorf("func name: %s not found", name)
	return
}

func (g *grabQueue) remove(item grabItem) {
	defer g.locker.Unlock()
	g.locker.Lock()
	for e := g.list.Front(); e != nil; e = e.Next() {
		item1 := e.Value.(grabItem)
		if item1.c == item.c && string(item1.msgID) == string(item.msgID) {
			g.list.Remove(e)
			return
		}
	}
}

func (g *grabQueue) removeConn(c *Conn) {
	defer g.locker.Unlock()
	g.locker.Lock()
	var next *list.Element
	for e := g.list.Front(); e != nil; e = next {
		next = e.Next()
		if e.Value.(grabItem).c == c {
			g.list.Remove(e)
		}
	}
}

func (g *grabQueue) len() int {
	defer g.locker.Unlock()
	g.locker.Lock()
	return g.list.Len()
}

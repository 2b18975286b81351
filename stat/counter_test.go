package stat

import (
	"testing"
)

func TestCounter(t *testing.T) {
	var c = NewCounter(1)
	c.Incr()
	if c.Int() != 2 {
		t.Fatalf("counter: except: 2, got: %d", c.Int())
	}
	c.Decr()
	c.Decr()
	c.Decr()
	if c.Int() != 0 {
		t.Fatalf("counter: except: 0, got: %d", c.Int())
	}
	c.Decr()
	if c.Int() != 0 {
		t.Fatalf("counter: except: 0, got: %d", c.Int())
	}
	if c.String() != "0" {
		t.Fatalf("counter: except: 0, got: %s", c.String())
	}
}

func TestFuncStat(t *testing.T) {
	var stat = NewFuncStat("send_mail")
	stat.Worker.Incr()
	stat.Job.Incr()
	stat.Job.Incr()
	if stat.String() != "send_mail,1,2,0" {
		t.Fatalf("stat: got: %s", stat.String())
	}
}

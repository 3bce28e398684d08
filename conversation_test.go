package distobj

import (
	"sync"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
)

func Test160_jobs_in_one_conversation_run_in_order(t *testing.T) {

	cv.Convey("jobs enqueued on one key run one at a time, in enqueue order", t, func() {
		s := newConversations()
		var mut sync.Mutex
		var order []int
		running := 0
		overlap := false
		done := make(chan bool)
		n := 50
		for i := 0; i < n; i++ {
			i := i
			cv.So(s.enqueue("k", func() {
				mut.Lock()
				running++
				if running > 1 {
					overlap = true
				}
				mut.Unlock()
				time.Sleep(time.Millisecond)
				mut.Lock()
				running--
				order = append(order, i)
				mut.Unlock()
				if i == n-1 {
					close(done)
				}
			}), cv.ShouldBeTrue)
		}
		<-done
		mut.Lock()
		defer mut.Unlock()
		cv.So(overlap, cv.ShouldBeFalse)
		for i := 0; i < n; i++ {
			cv.So(order[i], cv.ShouldEqual, i)
		}
	})
}

func Test161_different_conversations_run_concurrently(t *testing.T) {

	cv.Convey("a job blocked on one key does not hold up another key", t, func() {
		s := newConversations()
		release := make(chan bool)
		finished := make(chan string, 2)
		s.enqueue("slow", func() {
			<-release
			finished <- "slow"
		})
		s.enqueue("fast", func() {
			finished <- "fast"
		})
		select {
		case who := <-finished:
			cv.So(who, cv.ShouldEqual, "fast")
		case <-time.After(5 * time.Second):
			panic("fast conversation was blocked behind slow one")
		}
		close(release)
		cv.So(<-finished, cv.ShouldEqual, "slow")

		// idle queues go away.
		deadline := time.Now().Add(5 * time.Second)
		for s.active() > 0 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		cv.So(s.active(), cv.ShouldEqual, 0)
	})
}

func Test162_close_drops_pending_jobs(t *testing.T) {

	cv.Convey("after close, pending jobs are dropped and enqueue refuses new ones", t, func() {
		s := newConversations()
		release := make(chan bool)
		ran := make(chan int, 10)
		s.enqueue("k", func() {
			<-release
			ran <- 1
		})
		s.enqueue("k", func() { ran <- 2 })
		time.Sleep(10 * time.Millisecond)
		s.close()
		close(release)
		cv.So(<-ran, cv.ShouldEqual, 1)
		time.Sleep(20 * time.Millisecond)
		cv.So(len(ran), cv.ShouldEqual, 0)
		cv.So(s.enqueue("k", func() {}), cv.ShouldBeFalse)
	})
}

func Test163_conversation_key(t *testing.T) {

	cv.Convey("a named conversation wins; otherwise the policy decides", t, func() {
		inv := &Invocation{Target: 4}
		cv.So(conversationKey(inv, SharedQueue), cv.ShouldEqual, "")
		cv.So(conversationKey(inv, PerTarget), cv.ShouldEqual, "t:4")
		inv.Conversation = "x"
		cv.So(conversationKey(inv, PerTarget), cv.ShouldEqual, "c:x")
		cv.So(conversationKey(inv, SharedQueue), cv.ShouldEqual, "c:x")

		cfg := NewConfig()
		cv.So(cfg.policy(), cv.ShouldEqual, PerTarget)
		cfg.IndependentConversationQueueing = false
		cv.So(cfg.policy(), cv.ShouldEqual, SharedQueue)
	})
}

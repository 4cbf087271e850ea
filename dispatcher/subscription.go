package dispatcher

type Subscription interface {
	Unsubscribe()
}

type subs struct {
	dispatcher *Dispatcher
	topic      string
	handler    *subscriber
}

func (s *subs) Unsubscribe() {
	d := s.dispatcher
	d.mu.Lock()
	defer d.mu.Unlock()

	handlers := d.handlers[s.topic]
	newList := make([]*subscriber, 0, len(handlers))

	for _, h := range handlers {
		if h != s.handler {
			newList = append(newList, h)
		}
	}

	if len(newList) == 0 {
		delete(d.handlers, s.topic)
		return
	}
	d.handlers[s.topic] = newList
}

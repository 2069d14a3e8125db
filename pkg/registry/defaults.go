package registry

import (
	"github.com/ritmohq/ritmo/pkg/actions/calendarevent"
	"github.com/ritmohq/ritmo/pkg/actions/paymentlink"
	"github.com/ritmohq/ritmo/pkg/actions/setvariable"
)

// RegisterDefaultActions registers the built-in action types.
func (r *Registry) RegisterDefaultActions() {
	r.RegisterAction(setvariable.NewFactory())
	r.RegisterAction(paymentlink.NewFactory())
	r.RegisterAction(calendarevent.NewFactory())
}

// Package dispatch turns named commands into guest calls.
//
// Submit is asynchronous: it hands the call to the lifecycle manager and
// returns a Call whose outcome is recorded once, logged and traced, even
// if nobody awaits it. Dispatch submits and awaits. A command rejected by
// the guest yields a CommandFailed with the guest's reason and leaves the
// lifecycle untouched.
//
//	d := dispatch.New(manager)
//	res, err := d.InitiateQuorum(ctx, "10.0.0.1:7000")
//	if err != nil {
//		// not submitted: NotReady or unknown command
//	}
//	if !res.OK() {
//		fmt.Println(errors.Reason(res.Err))
//	}
package dispatch

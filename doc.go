// Package checkout settles marketplace purchases over interchangeable payment
// rails and drives each purchase intent to exactly one terminal outcome.
//
// The Coordinator owns the flow. Its collaborators live in subpackages:
// balance caches the buyer's spendable balance, signing obtains and signs a
// fresh payment authorization, settlement submits it at most once and
// recovers lost responses from intent status, onramp reconciles card top-ups,
// and minttrack follows a settled purchase until its token is minted.
//
// # Usage
//
//	client := checkouthttp.NewBackendClient(&checkouthttp.BackendConfig{URL: url})
//	wallet, _ := svm.NewWalletFromPrivateKey(key)
//
//	coord := checkout.NewCoordinator(client,
//	    checkout.WithWallet(wallet),
//	    checkout.WithLogger(logger),
//	)
//	defer coord.Close()
//
//	coord.OnEvent(func(ev checkout.Event) {
//	    // success, error or cancel, once per intent
//	})
//
//	intent, err := coord.CreateIntent(ctx, types.IntentRequest{ContentID: "42"})
//	if err != nil {
//	    return err
//	}
//	if err := coord.SelectMethod(ctx, types.MethodBalance); err != nil {
//	    return err
//	}
//	result, err := coord.ConfirmBalancePayment(ctx)
//
// # Rails
//
// The balance rail needs a wallet (WithWallet), the card rail a provider
// widget (WithWidget) and the direct rail a transfer handler
// (WithDirectTransfer). Selecting a rail whose collaborator is missing
// returns method_unavailable without contacting the backend.
//
// # Hooks
//
// WithBeforeSubmitHook runs before funds are committed on any rail and may
// abort the payment. WithAfterSettleHook and WithOnSettleFailureHook observe
// the result; their errors are logged and otherwise ignored.
package checkout

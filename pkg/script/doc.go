/*
Package script runs dropbox programs written in Starlark.

A script defines process(transaction) and any of the optional hooks:

	def process(transaction):
	    ds = transaction.create_new_data_set("RAW")
	    ds.set_sample("/LAB/PLATE-1")
	    transaction.move_file(transaction.incoming.path, ds)

	def post_storage(context):
	    print("stored", context.data_set_codes)

	def should_retry_processing(context, error):
	    return "timeout" in error

Hooks the script leaves out report dropbox.ErrNotImplemented. The
persistent map accepts None, bools, numbers, strings, lists and string-keyed
dicts; numbers come back as ints when they are integral.
*/
package script

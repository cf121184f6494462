// Package media supplies camera frame sequences to the rule engine.
//
// Frames are read from a directory tree that a recorder keeps filled:
//
//	{frames_dir}/
//	  {camera_id}/
//	    camera.yaml        optional: name, channels
//	    0/                 channel 0, one image file per frame
//	    1/
//
// The newest N files per channel form the sequence handed to inference.
// Frames attached to fired results are copied to a separate store
// directory so the log keeps them after the recorder rotates its files.
package media
